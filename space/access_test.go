package space

import (
	"context"
	"testing"

	"github.com/relaygrid/space/message"
)

func TestGateAllowRevoke(t *testing.T) {
	g, err := NewGate()
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	if g.Allowed("U", "Host", "shell_command") {
		t.Error("unpopulated gate should deny")
	}

	if err := g.Allow("U", "Host", "shell_command"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !g.Allowed("U", "Host", "shell_command") {
		t.Error("expected allowed after Allow")
	}
	if g.Allowed("Other", "Host", "shell_command") {
		t.Error("a different sender must not inherit the policy")
	}

	if err := g.Revoke("U", "Host", "shell_command"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if g.Allowed("U", "Host", "shell_command") {
		t.Error("expected denied after Revoke")
	}
}

func TestGateRequestPermission(t *testing.T) {
	g, err := NewGate()
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	must(t, g.Allow("U", "Host", "shell_command"))

	cb := g.RequestPermission("Host")
	proposed := &message.Message{From: "U", To: "Host", Action: message.Action{Name: "shell_command"}}
	if !cb(context.Background(), proposed) {
		t.Error("expected permission granted for U")
	}

	denied := &message.Message{From: "Stranger", To: "Host", Action: message.Action{Name: "shell_command"}}
	if cb(context.Background(), denied) {
		t.Error("expected permission denied for Stranger")
	}
}
