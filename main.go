// codexbridge is a natural-language command relay.
//
// A single binary that bridges a messaging gateway to remote developer
// machines running a local agent. Inbound chat messages are classified
// into typed commands (help, status, plan, patch, apply, test), relayed
// to the right machine over a WebSocket session, tracked in flight, and
// recorded in a durable audit trail.
//
// Usage:
//
//	codexbridge serve                      # run the relay daemon
//	codexbridge status --url http://...    # query a running relay
//	codexbridge version
package main

import "github.com/fzhlian/codexbridge/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
