package intent

import "testing"

func TestParseKeywords(t *testing.T) {
	tests := []struct {
		in   string
		kind string
	}{
		{"help", "help"},
		{"@dev help", "help"},
		{"/status", "status"},
		{"帮助", "help"},
		{"状态", "status"},
		{"test", "test"},
		{"plan add a retry flag to the uploader", "plan"},
		{"patch the login handler", "patch"},
	}
	for _, tt := range tests {
		cmd := Parse(tt.in)
		if cmd == nil {
			t.Errorf("Parse(%q) = nil, want kind %s", tt.in, tt.kind)
			continue
		}
		if cmd.Kind != tt.kind {
			t.Errorf("Parse(%q).Kind = %s, want %s", tt.in, cmd.Kind, tt.kind)
		}
	}
}

func TestParseKeywordPayload(t *testing.T) {
	cmd := Parse("plan add a retry flag")
	if cmd == nil || cmd.Kind != "plan" {
		t.Fatalf("expected plan command, got %+v", cmd)
	}
	if cmd.Prompt != "add a retry flag" {
		t.Errorf("Prompt = %q, want %q", cmd.Prompt, "add a retry flag")
	}
}

func TestParseApplyUUID(t *testing.T) {
	const id = "0b8e4c9a-1f23-4d56-9a7b-0c1d2e3f4a5b"
	cmd := Parse("apply " + id)
	if cmd == nil || cmd.Kind != "apply" {
		t.Fatalf("expected apply command, got %+v", cmd)
	}
	if cmd.RefID != id {
		t.Errorf("RefID = %q, want %q", cmd.RefID, id)
	}
}

func TestParseApplyHeuristic(t *testing.T) {
	tests := []struct {
		in  string
		ref string
	}{
		{"please apply patch cmd-1234", "cmd-1234"},
		{"采纳 a1b2c3d4", "a1b2c3d4"},
		{"apply the fix 0b8e4c9a-1f23-4d56-9a7b-0c1d2e3f4a5b", "0b8e4c9a-1f23-4d56-9a7b-0c1d2e3f4a5b"},
	}
	for _, tt := range tests {
		cmd := Parse(tt.in)
		if cmd == nil || cmd.Kind != "apply" {
			t.Errorf("Parse(%q) = %+v, want apply", tt.in, cmd)
			continue
		}
		if cmd.RefID != tt.ref {
			t.Errorf("Parse(%q).RefID = %q, want %q", tt.in, cmd.RefID, tt.ref)
		}
	}
}

func TestParseHelpHeuristic(t *testing.T) {
	for _, in := range []string{
		"what commands are there",
		"有哪些指令",
		"what can you do",
	} {
		cmd := Parse(in)
		if cmd == nil || cmd.Kind != "help" {
			t.Errorf("Parse(%q) = %+v, want help", in, cmd)
		}
	}
}

func TestParseStatusHeuristic(t *testing.T) {
	for _, in := range []string{
		"how is the build going",
		"任务进展如何",
	} {
		cmd := Parse(in)
		if cmd == nil || cmd.Kind != "status" {
			t.Errorf("Parse(%q) = %+v, want status", in, cmd)
		}
	}
}

func TestParseTestHeuristic(t *testing.T) {
	cmd := Parse("run the tests please")
	if cmd == nil || cmd.Kind != "test" {
		t.Fatalf("expected test command, got %+v", cmd)
	}
	if cmd.Prompt != "" {
		t.Errorf("bare test request should have empty prompt, got %q", cmd.Prompt)
	}

	cmd = Parse("run tests for the parser package")
	if cmd == nil || cmd.Kind != "test" {
		t.Fatalf("expected test command, got %+v", cmd)
	}
	if cmd.Prompt == "" {
		t.Error("scoped test request should keep its prompt")
	}
}

func TestParsePatchChinese(t *testing.T) {
	cmd := Parse("请修复 README.md 里的拼写错误")
	if cmd == nil || cmd.Kind != "patch" {
		t.Fatalf("expected patch command, got %+v", cmd)
	}
	if cmd.Prompt == "" {
		t.Error("patch command should carry the original text as prompt")
	}
}

func TestParsePatchHeuristics(t *testing.T) {
	for _, in := range []string{
		"fix the null pointer in parser.go",
		"please fix the bug",
		"update internal/server/server.go to log durations",
	} {
		cmd := Parse(in)
		if cmd == nil || cmd.Kind != "patch" {
			t.Errorf("Parse(%q) = %+v, want patch", in, cmd)
		}
	}
}

func TestParseNoMatch(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"good morning",
		"早上好",
	} {
		if cmd := Parse(in); cmd != nil {
			t.Errorf("Parse(%q) = %+v, want nil", in, cmd)
		}
	}
}

func TestParseDeterministic(t *testing.T) {
	const in = "please apply patch cmd-9876"
	a, b := Parse(in), Parse(in)
	if a == nil || b == nil || *a != *b {
		t.Errorf("Parse not deterministic: %+v vs %+v", a, b)
	}
}
