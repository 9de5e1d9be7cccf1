package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"orbitgate/pkg/audit"
	"orbitgate/pkg/auth"
	"orbitgate/pkg/classifier"
	"orbitgate/pkg/intent"
	"orbitgate/pkg/metrics"
	"orbitgate/pkg/models"
	"orbitgate/pkg/orbits"
	"orbitgate/pkg/ratelimit"
	"orbitgate/pkg/store"
	"orbitgate/pkg/stream"
	"orbitgate/pkg/telemetry"
)

const (
	VerdictAllow = "ALLOW"
	VerdictDeny  = "DENY"
)

// codeClassifier and intentVerifier are the stage capabilities the
// orchestrator sequences. Narrow on purpose.
type codeClassifier interface {
	Classify(ctx context.Context, principal, code string, role models.Role) models.CodeAnalysis
}

type intentVerifier interface {
	Verify(ctx context.Context, it models.ExecutionIntent, role models.Role) models.Verification
	IsAccessAllowed(ctx context.Context, principal, codePath string) bool
	RevokeAccess(ctx context.Context, codePath string) error
}

// Config wires the pipeline. Zero-value fields get in-memory defaults
// so an embedded deployment needs no external services.
type Config struct {
	Roles   map[string]models.Role
	Orbits  orbits.Config
	Cache   store.Cache
	Grants  intent.GrantStore
	Audit   audit.Sink
	Hub     *stream.Hub
	Metrics *metrics.Registry
}

// Orchestrator runs the fixed stage sequence: authenticate, classify,
// verify intent, then the per-principal request budget. The first
// failing stage halts the pipeline and its reason is the verdict;
// later stages never see the request. No verdict is ever cached, an
// identical repeated request re-runs every stage.
type Orchestrator struct {
	roles      map[string]models.Role
	registry   *orbits.Registry
	auth       auth.Authenticator
	classifier codeClassifier
	verifier   intentVerifier
	perMinute  ratelimit.Limiter
	audit      audit.Sink
	hub        *stream.Hub
	metrics    *metrics.Registry

	now func() time.Time
}

// New validates the whole configuration before anything runs. A
// malformed role or orbit set is a construction error, never a
// request-time surprise.
func New(cfg Config) (*Orchestrator, error) {
	roles := cfg.Roles
	if roles == nil {
		roles = models.DefaultRoles()
	}
	for name, role := range roles {
		if name == "" || role.Name != name {
			return nil, fmt.Errorf("role table: entry %q names itself %q", name, role.Name)
		}
		if !role.MaxComplexity.Valid() {
			return nil, fmt.Errorf("role %q: unknown complexity ceiling %d", name, int(role.MaxComplexity))
		}
		if role.RequestsPerMinute <= 0 || role.BytesPerMinute <= 0 {
			return nil, fmt.Errorf("role %q: rate budgets must be positive", name)
		}
	}

	orbitCfg := cfg.Orbits
	if len(orbitCfg.Policies) == 0 {
		orbitCfg = orbits.DefaultConfig()
	}
	registry, err := orbits.NewRegistry(orbitCfg)
	if err != nil {
		return nil, err
	}

	authenticator := auth.NewKeyAuthenticator(roles)
	verifier := intent.NewVerifier(registry, cfg.Grants, authenticator.Keys)

	sink := cfg.Audit
	if sink == nil {
		sink = audit.NewLog(0)
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	return &Orchestrator{
		roles:      roles,
		registry:   registry,
		auth:       authenticator,
		classifier: classifier.New(cfg.Cache),
		verifier:   verifier,
		perMinute:  ratelimit.NewInMemory(time.Minute),
		audit:      sink,
		hub:        cfg.Hub,
		metrics:    reg,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// VerifyExecutionRequest runs the full pipeline and returns the
// aggregate verdict. Denial is a normal outcome, never an error.
func (o *Orchestrator) VerifyExecutionRequest(ctx context.Context, req models.ExecutionRequest) models.SecurityVerification {
	verdict := models.SecurityVerification{
		DecisionID: uuid.NewString(),
		Principal:  req.Principal,
		Orbit:      req.Orbit,
	}

	stageCtx, done := o.stage(ctx, metrics.StageAuthenticate)
	authRes := o.auth.Authenticate(stageCtx, auth.Request{
		Identity:  req.Identity,
		Function:  req.Function,
		Timestamp: req.Timestamp,
		Signature: req.Signature,
	})
	done()
	verdict.Auth = &authRes
	if !authRes.Granted {
		return o.finish(ctx, req, verdict, authRes.ReasonCode, authRes.Reason)
	}
	verdict.Principal = authRes.Principal

	role, ok := o.roles[authRes.Role]
	if !ok {
		return o.finish(ctx, req, verdict, auth.ReasonUnknownPrincipal,
			fmt.Sprintf("role %q is not configured", authRes.Role))
	}

	stageCtx, done = o.stage(ctx, metrics.StageClassify)
	analysis := o.classifier.Classify(stageCtx, authRes.Principal, req.Code, role)
	done()
	verdict.Analysis = &analysis
	if !analysis.Executable {
		return o.finish(ctx, req, verdict, analysis.ReasonCode, analysis.Reason)
	}

	stageCtx, done = o.stage(ctx, metrics.StageIntent)
	verification := o.verifier.Verify(stageCtx, models.ExecutionIntent{
		Principal:  authRes.Principal,
		Orbit:      req.Orbit,
		Path:       req.Path,
		Function:   req.Function,
		Purpose:    req.Purpose,
		Pattern:    req.Pattern,
		Complexity: analysis.Level,
		Timestamp:  req.Timestamp,
		ProofSig:   req.ProofSig,
	}, role)
	done()
	verdict.Intent = &verification
	if !verification.Allowed {
		return o.finish(ctx, req, verdict, verification.ReasonCode, verification.Reason)
	}

	_, done = o.stage(ctx, metrics.StageRateLimit)
	d := o.perMinute.Allow("exec:"+authRes.Principal, role.RequestsPerMinute)
	done()
	if !d.Allowed {
		return o.finish(ctx, req, verdict, classifier.ReasonRateLimited,
			fmt.Sprintf("execution budget %d/min exhausted, resets %s", d.Limit, d.ResetAt.Format(time.RFC3339)))
	}

	verdict.Allowed = true
	verdict.Constraints = append(
		[]string{fmt.Sprintf("detected_complexity=%s", analysis.Level)},
		verification.Constraints...,
	)
	verdict.RequiredProofs = verification.RequiredProofs
	return o.finish(ctx, req, verdict, models.ReasonOK, "")
}

func (o *Orchestrator) finish(ctx context.Context, req models.ExecutionRequest, v models.SecurityVerification, code, reason string) models.SecurityVerification {
	v.ReasonCode = code
	v.Reason = reason
	v.DecidedAt = o.now()

	verdict := VerdictDeny
	if v.Allowed {
		verdict = VerdictAllow
	}
	o.metrics.IncVerdict(verdict)
	o.metrics.IncReason(v.ReasonCode)
	o.metrics.IncVerdictReason(verdict, v.ReasonCode)

	if err := o.audit.Append(ctx, audit.FromVerification(req, v)); err != nil {
		log.Printf("audit append %s: %v", v.DecisionID, err)
	}
	if o.hub != nil {
		o.hub.Publish(stream.NewDecisionEvent(req, v))
	}
	return v
}

func (o *Orchestrator) stage(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := telemetry.StartStage(ctx, name)
	start := time.Now()
	return ctx, func() {
		span.End()
		o.metrics.ObserveStageLatency(name, time.Since(start))
	}
}

// RegisterUser admits a principal's signing key under a configured
// role. Re-registering an existing identity fails.
func (o *Orchestrator) RegisterUser(identity, principal, role string, secret []byte) error {
	err := o.auth.RegisterKey(auth.KeyRecord{
		Identity:  identity,
		Principal: principal,
		Role:      role,
		Secret:    secret,
	})
	if err != nil {
		return err
	}
	if o.hub != nil {
		o.hub.Publish(stream.NewEvent(stream.EventKeyRegistered, map[string]string{
			"identity": identity,
			"role":     role,
		}))
	}
	o.metrics.SetGauge("registered_keys", float64(len(o.auth.ListKeys())))
	return nil
}

// RevokeUser revokes the identity's key. Revoking an unknown or
// already-revoked identity fails.
func (o *Orchestrator) RevokeUser(identity string) error {
	if err := o.auth.RevokeKey(identity); err != nil {
		return err
	}
	if o.hub != nil {
		o.hub.Publish(stream.NewEvent(stream.EventKeyRevoked, map[string]string{
			"identity": identity,
		}))
	}
	o.metrics.SetGauge("registered_keys", float64(len(o.auth.ListKeys())))
	return nil
}

// IsAccessAllowed checks a live grant without re-running the pipeline.
func (o *Orchestrator) IsAccessAllowed(ctx context.Context, principal, codePath string) bool {
	return o.verifier.IsAccessAllowed(ctx, principal, codePath)
}

// RevokeAccess deletes the grant for a code path; a second revoke of
// the same path fails.
func (o *Orchestrator) RevokeAccess(ctx context.Context, codePath string) error {
	return o.verifier.RevokeAccess(ctx, codePath)
}

// RequiresRoot reports whether a complexity level is reserved to root.
func RequiresRoot(level models.ComplexityLevel) bool {
	return level == models.ComplexitySyscall
}

// Stats is the aggregate operational view. Counts only, no raw
// identities.
type Stats struct {
	GeneratedAt    string                         `json:"generated_at"`
	Verdicts       map[string]int64               `json:"verdicts"`
	Reasons        map[string]int64               `json:"reasons"`
	StageLatencyMS map[string]metrics.LatencyStat `json:"stage_latency_ms"`
	RegisteredKeys int                            `json:"registered_keys"`
	Orbits         []string                       `json:"orbits"`
}

func (o *Orchestrator) SecurityStats() Stats {
	snap := o.metrics.Snapshot()
	return Stats{
		GeneratedAt:    snap.GeneratedAt,
		Verdicts:       snap.Verdicts,
		Reasons:        snap.Reasons,
		StageLatencyMS: snap.StageLatencyMS,
		RegisteredKeys: len(o.auth.ListKeys()),
		Orbits:         o.registry.Names(),
	}
}
