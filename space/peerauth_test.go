package space

import (
	"testing"
	"time"
)

func TestPeerAuthRoundTrip(t *testing.T) {
	p := NewPeerAuth("test-secret", time.Minute)

	token, err := p.IssueToken("Worker1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := p.VerifyToken("Worker1", token); err != nil {
		t.Errorf("VerifyToken: %v", err)
	}
	if err := p.VerifyToken("Worker2", token); err == nil {
		t.Error("expected token for Worker1 to be rejected for Worker2")
	}
}

func TestPeerAuthWrongSecretRejected(t *testing.T) {
	issuer := NewPeerAuth("secret-a", time.Minute)
	verifier := NewPeerAuth("secret-b", time.Minute)

	token, err := issuer.IssueToken("Worker1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := verifier.VerifyToken("Worker1", token); err == nil {
		t.Error("expected token signed with a different secret to be rejected")
	}
}

func TestPeerAuthExpiredTokenRejected(t *testing.T) {
	p := NewPeerAuth("test-secret", time.Millisecond)
	token, err := p.IssueToken("Worker1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := p.VerifyToken("Worker1", token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestHashAndCheckSecret(t *testing.T) {
	hash, err := HashSecret("hunter2")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !CheckSecret(hash, "hunter2") {
		t.Error("expected matching secret to check out")
	}
	if CheckSecret(hash, "wrong") {
		t.Error("expected mismatched secret to fail")
	}
}
