package auth

import (
	"context"
	"testing"
	"time"

	"orbitgate/pkg/models"
)

type stubBackend struct {
	result models.AuthResult
	calls  int
}

func (s *stubBackend) Authenticate(ctx context.Context, req Request) models.AuthResult {
	s.calls++
	return s.result
}

func (s *stubBackend) RegisterKey(rec KeyRecord) error { return nil }
func (s *stubBackend) RevokeKey(identity string) error { return ErrUnknownKey }
func (s *stubBackend) ListKeys() []string              { return nil }

func TestChainFirstGrantedWins(t *testing.T) {
	t.Parallel()

	deny := &stubBackend{result: models.AuthResult{Granted: false, ReasonCode: ReasonUnknownPrincipal}}
	grant := &stubBackend{result: models.AuthResult{Granted: true, Principal: "alice", Role: models.RoleUser, ReasonCode: models.ReasonOK}}
	later := &stubBackend{result: models.AuthResult{Granted: true, Principal: "other", ReasonCode: models.ReasonOK}}

	chain := NewChain(deny, grant, later)
	res := chain.Authenticate(context.Background(), Request{Identity: "alice-pub"})
	if !res.Granted || res.Principal != "alice" {
		t.Fatalf("expected first granting backend to win, got %+v", res)
	}
	if later.calls != 0 {
		t.Fatal("backends after the first grant must not run")
	}
}

func TestChainDeniedOnlyIfAllDeny(t *testing.T) {
	t.Parallel()

	first := &stubBackend{result: models.AuthResult{Granted: false, ReasonCode: ReasonStaleTimestamp, Reason: "stale"}}
	second := &stubBackend{result: models.AuthResult{Granted: false, ReasonCode: ReasonUnknownPrincipal}}

	chain := NewChain(first, second)
	res := chain.Authenticate(context.Background(), Request{})
	if res.Granted {
		t.Fatalf("expected denial, got %+v", res)
	}
	if res.ReasonCode != ReasonStaleTimestamp {
		t.Fatalf("expected first denial reason to surface, got %s", res.ReasonCode)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("every backend should be consulted on denial: %d %d", first.calls, second.calls)
	}
}

func TestChainEmpty(t *testing.T) {
	t.Parallel()

	chain := NewChain()
	res := chain.Authenticate(context.Background(), Request{Identity: "anyone"})
	if res.Granted || res.ReasonCode != ReasonNoPluginGranted {
		t.Fatalf("expected NO_PLUGIN_GRANTED from empty chain, got %+v", res)
	}
	if err := chain.RegisterKey(KeyRecord{Identity: "x"}); err == nil {
		t.Fatal("expected registration error with no backends")
	}
}

func TestChainRegisterAndRevokeAgainstRealBackend(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	primary := NewKeyAuthenticator(models.DefaultRoles())
	primary.SetClock(func() time.Time { return now })
	chain := NewChain(primary)

	rec := KeyRecord{Identity: "dave-pub", Principal: "admin_dave", Role: models.RoleAdmin, Secret: []byte("dave-secret")}
	if err := chain.RegisterKey(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	req := signedRequest(primary, "dave-pub", "configure", now, []byte("dave-secret"))
	if res := chain.Authenticate(context.Background(), req); !res.Granted || res.Role != models.RoleAdmin {
		t.Fatalf("expected granted admin, got %+v", res)
	}
	if err := chain.RevokeKey("dave-pub"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := chain.RevokeKey("dave-pub"); err == nil {
		t.Fatal("second revoke must fail")
	}
}
