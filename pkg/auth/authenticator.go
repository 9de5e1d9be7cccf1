package auth

import (
	"context"
	"fmt"
	"time"

	"orbitgate/pkg/models"
)

const (
	ReasonUnknownPrincipal = "UNKNOWN_PRINCIPAL"
	ReasonInvalidSignature = "INVALID_SIGNATURE"
	ReasonStaleTimestamp   = "STALE_TIMESTAMP"
	ReasonNoPluginGranted  = "NO_PLUGIN_GRANTED"
)

// FreshnessWindow is the maximum age or skew a request timestamp may
// have before it is treated as a replay.
const FreshnessWindow = 300 * time.Second

// Request is one signed authentication attempt.
type Request struct {
	Identity  string    `json:"identity"`
	Function  string    `json:"function"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

// Authenticator is the capability every auth backend exposes.
type Authenticator interface {
	Authenticate(ctx context.Context, req Request) models.AuthResult
	RegisterKey(rec KeyRecord) error
	RevokeKey(identity string) error
	ListKeys() []string
}

// KeyAuthenticator verifies signed requests against the registered-key
// table. Checks run in a fixed order: registration, signature,
// freshness; the first failure is the surfaced reason.
type KeyAuthenticator struct {
	Keys   *KeyStore
	Roles  map[string]models.Role
	Scheme Scheme
	Window time.Duration

	now func() time.Time
}

func NewKeyAuthenticator(roles map[string]models.Role) *KeyAuthenticator {
	return &KeyAuthenticator{
		Keys:   NewKeyStore(),
		Roles:  roles,
		Scheme: HMACScheme{},
		Window: FreshnessWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock. Test hook.
func (a *KeyAuthenticator) SetClock(now func() time.Time) { a.now = now }

func (a *KeyAuthenticator) Authenticate(ctx context.Context, req Request) models.AuthResult {
	rec, ok := a.Keys.Get(req.Identity)
	if !ok {
		return models.AuthResult{
			Granted:    false,
			ReasonCode: ReasonUnknownPrincipal,
			Reason:     fmt.Sprintf("identity %q is not registered", req.Identity),
		}
	}
	msg := models.CanonicalAuthMessage(req.Identity, req.Function, req.Timestamp.UTC().Unix())
	if !a.Scheme.Verify(rec.Secret, msg, req.Signature) {
		return models.AuthResult{
			Granted:    false,
			ReasonCode: ReasonInvalidSignature,
			Reason:     "signature does not match canonical message",
		}
	}
	window := a.Window
	if window <= 0 {
		window = FreshnessWindow
	}
	age := a.now().Sub(req.Timestamp.UTC())
	if age < 0 {
		age = -age
	}
	if age > window {
		return models.AuthResult{
			Granted:    false,
			ReasonCode: ReasonStaleTimestamp,
			Reason:     fmt.Sprintf("timestamp outside %s freshness window", window),
		}
	}
	role, ok := a.Roles[rec.Role]
	if !ok {
		return models.AuthResult{
			Granted:    false,
			ReasonCode: ReasonUnknownPrincipal,
			Reason:     fmt.Sprintf("role %q is not configured", rec.Role),
		}
	}
	return models.AuthResult{
		Granted:     true,
		Principal:   rec.Principal,
		Role:        role.Name,
		Permissions: role.Permissions,
		ReasonCode:  models.ReasonOK,
	}
}

// RegisterKey validates the role before admitting the record; a key
// bound to an unconfigured role could never authenticate.
func (a *KeyAuthenticator) RegisterKey(rec KeyRecord) error {
	if _, ok := a.Roles[rec.Role]; !ok {
		return fmt.Errorf("register %q: unknown role %q", rec.Identity, rec.Role)
	}
	return a.Keys.Register(rec)
}

func (a *KeyAuthenticator) RevokeKey(identity string) error {
	return a.Keys.Revoke(identity)
}

func (a *KeyAuthenticator) ListKeys() []string {
	return a.Keys.List()
}

// Chain tries backends in order; the first granted result wins and
// denial requires every backend to deny.
type Chain struct {
	Backends []Authenticator
}

func NewChain(backends ...Authenticator) *Chain {
	return &Chain{Backends: backends}
}

func (c *Chain) Authenticate(ctx context.Context, req Request) models.AuthResult {
	var firstDenial *models.AuthResult
	for _, backend := range c.Backends {
		res := backend.Authenticate(ctx, req)
		if res.Granted {
			return res
		}
		if firstDenial == nil {
			r := res
			firstDenial = &r
		}
	}
	if firstDenial != nil {
		return *firstDenial
	}
	return models.AuthResult{
		Granted:    false,
		ReasonCode: ReasonNoPluginGranted,
		Reason:     "no authentication backend granted the request",
	}
}

// RegisterKey admits new keys through the primary backend.
func (c *Chain) RegisterKey(rec KeyRecord) error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("register %q: no authentication backend configured", rec.Identity)
	}
	return c.Backends[0].RegisterKey(rec)
}

// RevokeKey revokes from whichever backend holds the identity.
func (c *Chain) RevokeKey(identity string) error {
	var lastErr error
	for _, backend := range c.Backends {
		if err := backend.RevokeKey(identity); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("revoke %q: %w", identity, ErrUnknownKey)
	}
	return lastErr
}

func (c *Chain) ListKeys() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, backend := range c.Backends {
		for _, identity := range backend.ListKeys() {
			if _, dup := seen[identity]; dup {
				continue
			}
			seen[identity] = struct{}{}
			out = append(out, identity)
		}
	}
	return out
}
