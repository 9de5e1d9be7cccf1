package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orbitgate/pkg/auth"
	"orbitgate/pkg/models"
	"orbitgate/pkg/orbits"
	"orbitgate/pkg/ratelimit"
)

const (
	ReasonUnknownOrbit      = "UNKNOWN_ORBIT"
	ReasonPatternNotAllowed = "PATTERN_NOT_ALLOWED"
	ReasonCeilingExceeded   = "COMPLEXITY_CEILING_EXCEEDED"
	ReasonRoleNotPermitted  = "ROLE_NOT_PERMITTED"
	ReasonRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ReasonInvalidProof      = "INVALID_PROOF"
	ReasonStaleIntent       = "STALE_INTENT"
	ReasonGrantStoreFailed  = "GRANT_STORE_FAILED"
)

// Proof annotations attached to RequiredProofs.
const (
	ProofAdminAuthorization  = "administrative authorization"
	ProofKernelAuthorization = "kernel access authorization"
)

const (
	// GrantTTL bounds how long a VerifiedAccess stays live.
	GrantTTL = time.Hour
	// ProofFreshness is the maximum age of a proof timestamp.
	ProofFreshness = 300 * time.Second
)

// SecretSource resolves the signing secret for a principal so proof
// signatures can be recomputed deterministically.
type SecretSource interface {
	SecretForPrincipal(principal string) ([]byte, bool)
}

// Verifier validates declared intents against orbit policy, the
// role-orbit matrix, hourly rate budgets and proof freshness. Gates
// run in a strict order; the first failure is the surfaced reason.
type Verifier struct {
	Registry *orbits.Registry
	Grants   GrantStore
	Hourly   ratelimit.Limiter
	Scheme   auth.Scheme
	Secrets  SecretSource

	now func() time.Time
}

func NewVerifier(registry *orbits.Registry, grants GrantStore, secrets SecretSource) *Verifier {
	if grants == nil {
		grants = NewGrantStore(nil)
	}
	return &Verifier{
		Registry: registry,
		Grants:   grants,
		Hourly:   ratelimit.NewInMemory(time.Hour),
		Scheme:   auth.HMACScheme{},
		Secrets:  secrets,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock. Test hook.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

func (v *Verifier) Verify(ctx context.Context, it models.ExecutionIntent, role models.Role) models.Verification {
	policy, err := v.Registry.Get(it.Orbit)
	if err != nil {
		return denied(ReasonUnknownOrbit, fmt.Sprintf("orbit %q is not registered", it.Orbit))
	}

	// Root bypasses the declarative policy gates but still pays the
	// rate budget and proof obligations like everyone else.
	if role.Name != models.RoleRoot {
		// Pattern and ceiling are both evaluated; the pattern failure
		// is surfaced when both reject.
		patternOK := policy.AllowsPattern(it.Pattern)
		ceilingOK := it.Complexity <= policy.MaxComplexity
		if !patternOK {
			return denied(ReasonPatternNotAllowed, fmt.Sprintf("pattern %s not allowed in orbit %s", it.Pattern, policy.Name))
		}
		if !ceilingOK {
			return denied(ReasonCeilingExceeded, fmt.Sprintf("declared %s exceeds orbit ceiling %s", it.Complexity, policy.MaxComplexity))
		}
		if !roleAllows(role.Name, policy.Name, it.Pattern) {
			return denied(ReasonRoleNotPermitted, fmt.Sprintf("role %s may not use pattern %s in orbit %s", role.Name, it.Pattern, policy.Name))
		}
	}

	rateKey := it.Principal + ":" + policy.Name
	if d := v.Hourly.Peek(rateKey, policy.RateLimitPerHour); !d.Allowed {
		return denied(ReasonRateLimitExceeded, fmt.Sprintf("hourly budget %d for orbit %s exhausted, resets %s", d.Limit, policy.Name, d.ResetAt.Format(time.RFC3339)))
	}

	var proofs []string
	if policy.RequiresProof {
		verification, ok := v.checkProof(it)
		if !ok {
			return verification
		}
		proofs = proofAnnotations(policy.Name, it.Pattern)
	}

	grant := models.VerifiedAccess{
		GrantID:   uuid.NewString(),
		Principal: it.Principal,
		Orbit:     it.Orbit,
		Path:      it.Path,
		Function:  it.Function,
		Pattern:   it.Pattern,
		GrantedAt: v.now(),
		ExpiresAt: v.now().Add(GrantTTL),
	}
	if err := v.Grants.Put(ctx, grant, GrantTTL); err != nil {
		return denied(ReasonGrantStoreFailed, fmt.Sprintf("record grant: %v", err))
	}
	v.Hourly.Allow(rateKey, policy.RateLimitPerHour)

	return models.Verification{
		Allowed:        true,
		ReasonCode:     models.ReasonOK,
		RequiredProofs: proofs,
		Constraints:    constraintsFor(policy, it.Pattern),
	}
}

func (v *Verifier) checkProof(it models.ExecutionIntent) (models.Verification, bool) {
	if v.Secrets == nil {
		return denied(ReasonInvalidProof, "no proof secret source configured"), false
	}
	secret, ok := v.Secrets.SecretForPrincipal(it.Principal)
	if !ok {
		return denied(ReasonInvalidProof, fmt.Sprintf("no signing key for principal %q", it.Principal)), false
	}
	if !v.Scheme.Verify(secret, models.CanonicalIntentMessage(it), it.ProofSig) {
		return denied(ReasonInvalidProof, "proof signature does not match intent"), false
	}
	age := v.now().Sub(it.Timestamp.UTC())
	if age < 0 {
		age = -age
	}
	if age > ProofFreshness {
		return denied(ReasonStaleIntent, fmt.Sprintf("intent timestamp outside %s freshness window", ProofFreshness)), false
	}
	return models.Verification{}, true
}

// IsAccessAllowed checks a live grant without re-running the pipeline.
func (v *Verifier) IsAccessAllowed(ctx context.Context, principal, codePath string) bool {
	grant, ok, err := v.Grants.Get(ctx, codePath)
	if err != nil || !ok {
		return false
	}
	return grant.Principal == principal && !grant.Expired(v.now())
}

// RevokeAccess deletes the grant for a code path. A second revoke of
// the same path fails with ErrGrantNotFound.
func (v *Verifier) RevokeAccess(ctx context.Context, codePath string) error {
	return v.Grants.Delete(ctx, codePath)
}

func denied(code, reason string) models.Verification {
	return models.Verification{Allowed: false, ReasonCode: code, Reason: reason}
}

// roleAllows is the role-orbit-pattern compatibility matrix.
func roleAllows(roleName, orbit string, pattern models.UsagePattern) bool {
	switch roleName {
	case models.RoleRoot:
		return true
	case models.RoleAdmin:
		return orbit != orbits.OrbitKernel
	case models.RoleDeveloper:
		return orbit != orbits.OrbitSystem && pattern != models.PatternSystemConfig
	case models.RoleUser:
		return orbit == orbits.OrbitSafe &&
			(pattern == models.PatternReadOnly || pattern == models.PatternComputation)
	default:
		return false
	}
}

func proofAnnotations(orbit string, pattern models.UsagePattern) []string {
	var proofs []string
	if pattern == models.PatternSystemConfig {
		proofs = append(proofs, ProofAdminAuthorization)
	}
	if orbit == orbits.OrbitKernel {
		proofs = append(proofs, ProofKernelAuthorization)
	}
	return proofs
}

func constraintsFor(policy orbits.Policy, pattern models.UsagePattern) []string {
	constraints := []string{
		fmt.Sprintf("max_complexity=%s", policy.MaxComplexity),
		fmt.Sprintf("pattern=%s", pattern),
		fmt.Sprintf("rate_limit_per_hour=%d", policy.RateLimitPerHour),
	}
	switch pattern {
	case models.PatternFileAccess:
		constraints = append(constraints, "filesystem access is sandbox-scoped")
	case models.PatternNetworkAccess:
		constraints = append(constraints, "network egress restricted to approved hosts")
	case models.PatternSystemConfig:
		constraints = append(constraints, "configuration changes require a rollback plan")
	}
	return constraints
}
