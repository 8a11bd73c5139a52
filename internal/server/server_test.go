package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fzhlian/codexbridge/internal/audit"
	"github.com/fzhlian/codexbridge/internal/config"
	"github.com/fzhlian/codexbridge/internal/metrics"
	"github.com/fzhlian/codexbridge/internal/protocol"
	"github.com/fzhlian/codexbridge/internal/relay"
	"github.com/fzhlian/codexbridge/internal/store"
)

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, userID, text string) error { return nil }

func newTestServer(t *testing.T, secret string) (*httptest.Server, *relay.Engine) {
	t.Helper()
	cfg := config.Defaults()
	cfg.AdminSecret = secret
	cfg.AuditLogPath = filepath.Join(t.TempDir(), "audit.log")
	cfg.RateLimitMax = 100

	stores, err := store.New(store.Options{Backend: "memory", AuditLogPath: cfg.AuditLogPath})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	trail := audit.NewStore(stores.AuditSink, nil)
	engine := relay.NewEngine(cfg, stores, trail, nopNotifier{}, metrics.New(nil), nil)

	srv := New(cfg, engine, stores.Health, metrics.New(nil), nil)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts, engine
}

func doJSON(t *testing.T, method, url, secret string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// dialAgent opens a websocket agent session and completes the hello exchange.
func dialAgent(t *testing.T, ts *httptest.Server, secret, machineID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agent/ws"
	hdr := http.Header{}
	if secret != "" {
		hdr.Set(secretHeader, secret)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial agent: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(protocol.AgentHelloMessage{Type: protocol.TypeAgentHello, MachineID: machineID}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	// Registration happens in the server read loop; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
		var health struct {
			Machines int `json:"machines"`
		}
		decodeBody(t, resp, &health)
		if health.Machines > 0 {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("agent never registered")
	return nil
}

func TestHealthzOpenWithoutSecret(t *testing.T) {
	ts, _ := newTestServer(t, "hunter2")

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Fatalf("healthz status field = %q, want ok", body.Status)
	}
}

func TestSecretGate(t *testing.T) {
	ts, _ := newTestServer(t, "hunter2")

	resp := doJSON(t, http.MethodGet, ts.URL+"/machines", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no secret: status = %d, want 401", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/machines", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad secret: status = %d, want 401", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/machines", "hunter2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good secret: status = %d, want 200", resp.StatusCode)
	}
}

func TestGateDisabledWhenNoSecret(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp := doJSON(t, http.MethodGet, ts.URL+"/machines", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestConfigRedacted(t *testing.T) {
	ts, _ := newTestServer(t, "hunter2")

	resp := doJSON(t, http.MethodGet, ts.URL+"/ops/config", "hunter2", nil)
	var body struct {
		AdminSecret string
		ListenAddr  string
	}
	decodeBody(t, resp, &body)
	if body.AdminSecret != "****" {
		t.Fatalf("AdminSecret = %q, want masked", body.AdminSecret)
	}
	if body.ListenAddr == "" {
		t.Fatal("ListenAddr missing from config view")
	}
}

func TestMessageIngestRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "")
	conn := dialAgent(t, ts, "", "m1")

	resp := doJSON(t, http.MethodPost, ts.URL+"/messages", "", map[string]string{
		"msgId": "g-1", "userId": "u1", "machineId": "m1",
		"text": "patch fix the login handler",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d, want 200", resp.StatusCode)
	}
	var ack struct {
		Handled   bool   `json:"handled"`
		CommandID string `json:"commandId"`
		Kind      string `json:"kind"`
	}
	decodeBody(t, resp, &ack)
	if !ack.Handled || ack.Kind != protocol.KindPatch || ack.CommandID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	// The agent must receive the command frame over the socket.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg protocol.CommandMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read command frame: %v", err)
		}
		if msg.Type != protocol.TypeCommand {
			continue // trace frames may interleave
		}
		if msg.Command.CommandID != ack.CommandID || msg.Command.Kind != protocol.KindPatch {
			t.Fatalf("command frame mismatch: %+v", msg.Command)
		}
		break
	}

	// And the command must be queryable through the admin surface.
	resp = doJSON(t, http.MethodGet, ts.URL+"/commands/"+ack.CommandID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("command lookup status = %d, want 200", resp.StatusCode)
	}
	var rec struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &rec)
	if rec.Status != audit.StatusSentToAgent {
		t.Fatalf("status = %q, want %q", rec.Status, audit.StatusSentToAgent)
	}
}

func TestResultOverSocket(t *testing.T) {
	ts, engine := newTestServer(t, "")
	conn := dialAgent(t, ts, "", "m1")

	ack, err := engine.HandleMessage(context.Background(), relay.InboundMessage{
		MsgID: "g-1", UserID: "u1", MachineID: "m1", Text: "run the tests",
	})
	if err != nil || !ack.Handled {
		t.Fatalf("HandleMessage: ack=%+v err=%v", ack, err)
	}

	err = conn.WriteJSON(protocol.AgentResultMessage{
		Type: protocol.TypeAgentResult,
		Result: protocol.ResultEnvelope{
			CommandID: ack.CommandID, MachineID: "m1",
			Status: protocol.StatusOK, Summary: "tests green",
			CreatedAt: time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("send result: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := engine.Trail().Get(ack.CommandID)
		if rec != nil && rec.Status == audit.StatusAgentOK {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("result never folded into the trail")
}

func TestCancelAndRetryEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "")
	_ = dialAgent(t, ts, "", "m1")

	resp := doJSON(t, http.MethodPost, ts.URL+"/messages", "", map[string]string{
		"msgId": "g-1", "userId": "u1", "machineId": "m1", "text": "run the tests",
	})
	var ack struct {
		CommandID string `json:"commandId"`
	}
	decodeBody(t, resp, &ack)

	// Wrong owner is rejected.
	resp = doJSON(t, http.MethodPost, ts.URL+"/commands/"+ack.CommandID+"/cancel", "", map[string]string{"userId": "u2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel status = %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/commands/"+ack.CommandID+"/retry", "", map[string]string{"userId": "u1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", resp.StatusCode)
	}
	var retried struct {
		CommandID string `json:"commandId"`
	}
	decodeBody(t, resp, &retried)
	if retried.CommandID == "" || retried.CommandID == ack.CommandID {
		t.Fatalf("retry returned id %q", retried.CommandID)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/commands/nope/retry", "", map[string]string{"userId": "u1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown retry status = %d, want 404", resp.StatusCode)
	}
}

func TestAuditRecentFilter(t *testing.T) {
	ts, _ := newTestServer(t, "")
	_ = dialAgent(t, ts, "", "m1")

	for i, user := range []string{"u1", "u2", "u1"} {
		doJSON(t, http.MethodPost, ts.URL+"/messages", "", map[string]string{
			"msgId": "g-" + string(rune('a'+i)), "userId": user, "machineId": "m1",
			"text": "run the tests",
		})
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/audit/recent?userId=u1", "", nil)
	var recs []audit.Record
	decodeBody(t, resp, &recs)
	if len(recs) != 2 {
		t.Fatalf("got %d records for u1, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.UserID != "u1" {
			t.Fatalf("filter leaked record for %q", rec.UserID)
		}
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/audit/recent?limit=bogus", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestInflightListing(t *testing.T) {
	ts, _ := newTestServer(t, "")
	_ = dialAgent(t, ts, "", "m1")

	doJSON(t, http.MethodPost, ts.URL+"/messages", "", map[string]string{
		"msgId": "g-1", "userId": "u1", "machineId": "m1", "text": "run the tests",
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/inflight", "", nil)
	var recs []store.InflightRecord
	decodeBody(t, resp, &recs)
	if len(recs) != 1 {
		t.Fatalf("got %d inflight records, want 1", len(recs))
	}
	if recs[0].MachineID != "m1" || recs[0].UserID != "u1" {
		t.Fatalf("unexpected inflight record: %+v", recs[0])
	}
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	ts, engine := newTestServer(t, "")
	conn := dialAgent(t, ts, "", "m1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	if err := conn.WriteJSON(protocol.AgentHeartbeatMessage{
		Type: protocol.TypeAgentHeartbeat, MachineID: "m1", RunningCount: 1,
	}); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := engine.Registry().State("m1"); ok && st.RunningCount == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeat after malformed frame never applied")
}
