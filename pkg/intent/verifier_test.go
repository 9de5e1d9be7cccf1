package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"orbitgate/pkg/models"
	"orbitgate/pkg/orbits"
	"orbitgate/pkg/ratelimit"
)

type mapSecrets map[string][]byte

func (m mapSecrets) SecretForPrincipal(principal string) ([]byte, bool) {
	secret, ok := m[principal]
	return secret, ok
}

type verifierFixture struct {
	verifier *Verifier
	hourly   *ratelimit.InMemoryLimiter
	secrets  mapSecrets
	now      time.Time
}

func newFixture(t *testing.T, cfg orbits.Config) *verifierFixture {
	t.Helper()
	registry, err := orbits.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	f := &verifierFixture{
		secrets: mapSecrets{"alice": []byte("alice-secret"), "admin_dave": []byte("dave-secret")},
		now:     time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
	f.verifier = NewVerifier(registry, nil, f.secrets)
	f.verifier.SetClock(func() time.Time { return f.now })
	f.hourly = ratelimit.NewInMemory(time.Hour)
	f.hourly.SetClock(func() time.Time { return f.now })
	f.verifier.Hourly = f.hourly
	return f
}

func (f *verifierFixture) signedIntent(principal, orbit string, pattern models.UsagePattern, level models.ComplexityLevel) models.ExecutionIntent {
	it := models.ExecutionIntent{
		Principal:  principal,
		Orbit:      orbit,
		Path:       "jobs/task",
		Function:   "main",
		Purpose:    "test",
		Pattern:    pattern,
		Complexity: level,
		Timestamp:  f.now,
	}
	if secret, ok := f.secrets[principal]; ok {
		it.ProofSig = f.verifier.Scheme.Sign(secret, models.CanonicalIntentMessage(it))
	}
	return it
}

func role(t *testing.T, name string) models.Role {
	t.Helper()
	r, ok := models.DefaultRoles()[name]
	if !ok {
		t.Fatalf("missing role %s", name)
	}
	return r
}

func TestVerifyUnknownOrbit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	it := f.signedIntent("alice", "cosmos", models.PatternComputation, models.ComplexitySafe)
	v := f.verifier.Verify(context.Background(), it, role(t, models.RoleUser))
	if v.Allowed || v.ReasonCode != ReasonUnknownOrbit {
		t.Fatalf("expected unknown orbit, got %+v", v)
	}
}

func TestVerifyPatternNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	it := f.signedIntent("alice", orbits.OrbitNetwork, models.PatternSystemConfig, models.ComplexitySafe)
	v := f.verifier.Verify(context.Background(), it, role(t, models.RoleAdmin))
	if v.Allowed || v.ReasonCode != ReasonPatternNotAllowed {
		t.Fatalf("expected pattern denial, got %+v", v)
	}
}

func TestVerifyCeilingExceeded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	it := f.signedIntent("alice", orbits.OrbitNetwork, models.PatternNetworkAccess, models.ComplexityPrivileged)
	v := f.verifier.Verify(context.Background(), it, role(t, models.RoleAdmin))
	if v.Allowed || v.ReasonCode != ReasonCeilingExceeded {
		t.Fatalf("expected ceiling denial, got %+v", v)
	}
}

func TestVerifyPatternSurfacesWhenBothGatesFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	it := f.signedIntent("alice", orbits.OrbitSafe, models.PatternSystemConfig, models.ComplexitySyscall)
	v := f.verifier.Verify(context.Background(), it, role(t, models.RoleAdmin))
	if v.Allowed || v.ReasonCode != ReasonPatternNotAllowed {
		t.Fatalf("expected pattern reason when both gates fail, got %+v", v)
	}
}

func TestVerifyRoleMatrix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		role    string
		orbit   string
		pattern models.UsagePattern
		level   models.ComplexityLevel
		allowed bool
	}{
		{"user safe computation", models.RoleUser, orbits.OrbitSafe, models.PatternComputation, models.ComplexitySafe, true},
		{"user safe read_only", models.RoleUser, orbits.OrbitSafe, models.PatternReadOnly, models.ComplexitySafe, true},
		{"user safe data_transform", models.RoleUser, orbits.OrbitSafe, models.PatternDataTransform, models.ComplexitySafe, false},
		{"user network", models.RoleUser, orbits.OrbitNetwork, models.PatternComputation, models.ComplexitySafe, false},
		{"developer network", models.RoleDeveloper, orbits.OrbitNetwork, models.PatternNetworkAccess, models.ComplexityLimited, true},
		{"developer system orbit", models.RoleDeveloper, orbits.OrbitSystem, models.PatternFileAccess, models.ComplexityLimited, false},
		{"developer system_config in kernel", models.RoleDeveloper, orbits.OrbitKernel, models.PatternSystemConfig, models.ComplexitySafe, false},
		{"admin system", models.RoleAdmin, orbits.OrbitSystem, models.PatternSystemConfig, models.ComplexityPrivileged, true},
		{"admin kernel", models.RoleAdmin, orbits.OrbitKernel, models.PatternReadOnly, models.ComplexitySafe, false},
		{"root kernel", models.RoleRoot, orbits.OrbitKernel, models.PatternSystemConfig, models.ComplexitySyscall, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, orbits.DefaultConfig())
			f.secrets[tc.role] = []byte(tc.role + "-secret")
			it := f.signedIntent(tc.role, tc.orbit, tc.pattern, tc.level)
			v := f.verifier.Verify(context.Background(), it, role(t, tc.role))
			if v.Allowed != tc.allowed {
				t.Fatalf("expected allowed=%v, got %+v", tc.allowed, v)
			}
			if !tc.allowed && v.ReasonCode != ReasonRoleNotPermitted {
				t.Fatalf("expected role denial, got %+v", v)
			}
		})
	}
}

func TestVerifyRootBypassesPolicyGates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	f.secrets["root"] = []byte("root-secret")
	// NetworkAccess is outside the safe orbit's pattern set and the
	// declared level is above its ceiling; root passes both gates.
	it := f.signedIntent("root", orbits.OrbitSafe, models.PatternNetworkAccess, models.ComplexitySyscall)
	v := f.verifier.Verify(context.Background(), it, role(t, models.RoleRoot))
	if !v.Allowed {
		t.Fatalf("expected root bypass, got %+v", v)
	}
}

func TestVerifyHourlyRateLimit(t *testing.T) {
	t.Parallel()

	cfg := orbits.Config{Policies: []orbits.Policy{{
		Name:             orbits.OrbitSafe,
		AllowedPatterns:  []models.UsagePattern{models.PatternComputation, models.PatternReadOnly},
		MaxComplexity:    models.ComplexitySafe,
		RateLimitPerHour: 2,
	}}}
	f := newFixture(t, cfg)
	userRole := role(t, models.RoleUser)

	for i := 0; i < 2; i++ {
		it := f.signedIntent("alice", orbits.OrbitSafe, models.PatternComputation, models.ComplexitySafe)
		if v := f.verifier.Verify(context.Background(), it, userRole); !v.Allowed {
			t.Fatalf("grant %d should pass: %+v", i+1, v)
		}
	}
	it := f.signedIntent("alice", orbits.OrbitSafe, models.PatternComputation, models.ComplexitySafe)
	v := f.verifier.Verify(context.Background(), it, userRole)
	if v.Allowed || v.ReasonCode != ReasonRateLimitExceeded {
		t.Fatalf("expected third grant denied, got %+v", v)
	}

	// Denied attempts must not consume budget for the next hour.
	f.now = f.now.Add(31 * time.Minute) // crosses the 11:00 boundary
	it = f.signedIntent("alice", orbits.OrbitSafe, models.PatternComputation, models.ComplexitySafe)
	if v := f.verifier.Verify(context.Background(), it, userRole); !v.Allowed {
		t.Fatalf("expected grant after hour boundary, got %+v", v)
	}
}

func TestVerifyProof(t *testing.T) {
	t.Parallel()

	adminRole := role(t, models.RoleAdmin)

	t.Run("valid proof allowed with annotation", func(t *testing.T) {
		f := newFixture(t, orbits.DefaultConfig())
		it := f.signedIntent("admin_dave", orbits.OrbitSystem, models.PatternSystemConfig, models.ComplexityPrivileged)
		v := f.verifier.Verify(context.Background(), it, adminRole)
		if !v.Allowed {
			t.Fatalf("expected allowed, got %+v", v)
		}
		found := false
		for _, proof := range v.RequiredProofs {
			if proof == ProofAdminAuthorization {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected administrative authorization annotation, got %v", v.RequiredProofs)
		}
	})

	t.Run("tampered proof", func(t *testing.T) {
		f := newFixture(t, orbits.DefaultConfig())
		it := f.signedIntent("admin_dave", orbits.OrbitSystem, models.PatternSystemConfig, models.ComplexityPrivileged)
		it.Purpose = "something else"
		v := f.verifier.Verify(context.Background(), it, adminRole)
		if v.Allowed || v.ReasonCode != ReasonInvalidProof {
			t.Fatalf("expected invalid proof, got %+v", v)
		}
	})

	t.Run("stale intent", func(t *testing.T) {
		f := newFixture(t, orbits.DefaultConfig())
		it := f.signedIntent("admin_dave", orbits.OrbitSystem, models.PatternSystemConfig, models.ComplexityPrivileged)
		f.now = f.now.Add(301 * time.Second)
		v := f.verifier.Verify(context.Background(), it, adminRole)
		if v.Allowed || v.ReasonCode != ReasonStaleIntent {
			t.Fatalf("expected stale intent, got %+v", v)
		}
	})

	t.Run("unknown signing key", func(t *testing.T) {
		f := newFixture(t, orbits.DefaultConfig())
		it := f.signedIntent("ghost", orbits.OrbitSystem, models.PatternSystemConfig, models.ComplexityPrivileged)
		v := f.verifier.Verify(context.Background(), it, adminRole)
		if v.Allowed || v.ReasonCode != ReasonInvalidProof {
			t.Fatalf("expected invalid proof for unknown key, got %+v", v)
		}
	})
}

func TestVerifyConstraints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	it := f.signedIntent("admin_dave", orbits.OrbitSystem, models.PatternSystemConfig, models.ComplexityPrivileged)
	v := f.verifier.Verify(context.Background(), it, role(t, models.RoleAdmin))
	if !v.Allowed {
		t.Fatalf("expected allowed, got %+v", v)
	}
	joined := strings.Join(v.Constraints, "\n")
	for _, want := range []string{"max_complexity=privileged", "pattern=system_config", "rate_limit_per_hour=20", "rollback plan"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected constraint %q in %v", want, v.Constraints)
		}
	}
}

func TestGrantLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	it := f.signedIntent("alice", orbits.OrbitSafe, models.PatternComputation, models.ComplexitySafe)
	if v := f.verifier.Verify(context.Background(), it, role(t, models.RoleUser)); !v.Allowed {
		t.Fatalf("expected allowed, got %+v", v)
	}
	key := models.GrantKey(orbits.OrbitSafe, "jobs/task", "main")
	ctx := context.Background()

	if !f.verifier.IsAccessAllowed(ctx, "alice", key) {
		t.Fatal("expected live grant for alice")
	}
	if f.verifier.IsAccessAllowed(ctx, "mallory", key) {
		t.Fatal("grant must not cover another principal")
	}
	if f.verifier.IsAccessAllowed(ctx, "alice", models.GrantKey(orbits.OrbitSafe, "jobs/other", "main")) {
		t.Fatal("grant must be path-scoped")
	}

	// TTL elapse destroys the grant.
	f.now = f.now.Add(GrantTTL + time.Second)
	if f.verifier.IsAccessAllowed(ctx, "alice", key) {
		t.Fatal("expected grant expiry")
	}
}

func TestRevokeAccessNotIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orbits.DefaultConfig())
	it := f.signedIntent("alice", orbits.OrbitSafe, models.PatternComputation, models.ComplexitySafe)
	if v := f.verifier.Verify(context.Background(), it, role(t, models.RoleUser)); !v.Allowed {
		t.Fatalf("expected allowed, got %+v", v)
	}
	key := models.GrantKey(orbits.OrbitSafe, "jobs/task", "main")
	ctx := context.Background()

	if err := f.verifier.RevokeAccess(ctx, key); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := f.verifier.RevokeAccess(ctx, key); !errors.Is(err, ErrGrantNotFound) {
		t.Fatalf("second revoke must fail not found, got %v", err)
	}
	if f.verifier.IsAccessAllowed(ctx, "alice", key) {
		t.Fatal("revoked grant must not allow access")
	}
}
