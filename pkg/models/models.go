package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ComplexityLevel classifies how dangerous submitted code is.
// The order is total and closed: Safe < Limited < Privileged < Syscall.
type ComplexityLevel int

const (
	ComplexitySafe ComplexityLevel = iota
	ComplexityLimited
	ComplexityPrivileged
	ComplexitySyscall
)

var complexityNames = map[ComplexityLevel]string{
	ComplexitySafe:       "safe",
	ComplexityLimited:    "limited",
	ComplexityPrivileged: "privileged",
	ComplexitySyscall:    "syscall",
}

func (l ComplexityLevel) String() string {
	if name, ok := complexityNames[l]; ok {
		return name
	}
	return fmt.Sprintf("complexity(%d)", int(l))
}

func (l ComplexityLevel) Valid() bool {
	_, ok := complexityNames[l]
	return ok
}

func ParseComplexity(raw string) (ComplexityLevel, error) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for level, name := range complexityNames {
		if name == needle {
			return level, nil
		}
	}
	return ComplexitySafe, fmt.Errorf("unknown complexity level %q", raw)
}

func (l ComplexityLevel) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("unknown complexity level %d", int(l))
	}
	return json.Marshal(l.String())
}

func (l *ComplexityLevel) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return err
	}
	level, err := ParseComplexity(name)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// UsagePattern is the declared intended effect category of submitted code.
type UsagePattern string

const (
	PatternReadOnly      UsagePattern = "read_only"
	PatternComputation   UsagePattern = "computation"
	PatternDataTransform UsagePattern = "data_transform"
	PatternFileAccess    UsagePattern = "file_access"
	PatternNetworkAccess UsagePattern = "network_access"
	PatternSystemConfig  UsagePattern = "system_config"
)

func AllPatterns() []UsagePattern {
	return []UsagePattern{
		PatternReadOnly,
		PatternComputation,
		PatternDataTransform,
		PatternFileAccess,
		PatternNetworkAccess,
		PatternSystemConfig,
	}
}

func (p UsagePattern) Valid() bool {
	switch p {
	case PatternReadOnly, PatternComputation, PatternDataTransform,
		PatternFileAccess, PatternNetworkAccess, PatternSystemConfig:
		return true
	}
	return false
}

type Permission string

const (
	PermExecute      Permission = "execute"
	PermRead         Permission = "read"
	PermManageKeys   Permission = "manage_keys"
	PermSystemConfig Permission = "system_config"
	PermSyscall      Permission = "syscall"
)

// Role names recognized by the role-orbit compatibility matrix.
const (
	RoleUser      = "user"
	RoleDeveloper = "developer"
	RoleAdmin     = "admin"
	RoleRoot      = "root"
)

// Role carries the permission set fixed at registration plus the
// per-role classifier ceilings. Permission sets are additive across
// registration sources and never narrowed after creation.
type Role struct {
	Name              string          `json:"name"`
	Permissions       []Permission    `json:"permissions"`
	MaxComplexity     ComplexityLevel `json:"max_complexity"`
	RequestsPerMinute int             `json:"requests_per_minute"`
	BytesPerMinute    int             `json:"bytes_per_minute"`
}

func (r Role) HasPermission(p Permission) bool {
	for _, held := range r.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// DefaultRoles is the built-in role catalog. Ceilings rise and rate
// budgets grow with privilege; only root clears Syscall.
func DefaultRoles() map[string]Role {
	return map[string]Role{
		RoleUser: {
			Name:              RoleUser,
			Permissions:       []Permission{PermExecute, PermRead},
			MaxComplexity:     ComplexityLimited,
			RequestsPerMinute: 30,
			BytesPerMinute:    64 << 10,
		},
		RoleDeveloper: {
			Name:              RoleDeveloper,
			Permissions:       []Permission{PermExecute, PermRead},
			MaxComplexity:     ComplexityPrivileged,
			RequestsPerMinute: 60,
			BytesPerMinute:    256 << 10,
		},
		RoleAdmin: {
			Name:              RoleAdmin,
			Permissions:       []Permission{PermExecute, PermRead, PermManageKeys, PermSystemConfig},
			MaxComplexity:     ComplexityPrivileged,
			RequestsPerMinute: 120,
			BytesPerMinute:    512 << 10,
		},
		RoleRoot: {
			Name:              RoleRoot,
			Permissions:       []Permission{PermExecute, PermRead, PermManageKeys, PermSystemConfig, PermSyscall},
			MaxComplexity:     ComplexitySyscall,
			RequestsPerMinute: 240,
			BytesPerMinute:    1 << 20,
		},
	}
}

// AuthResult is the authenticator verdict. Denial is a normal outcome,
// never an error.
type AuthResult struct {
	Granted     bool         `json:"granted"`
	Principal   string       `json:"principal,omitempty"`
	Role        string       `json:"role,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
	ReasonCode  string       `json:"reason_code"`
	Reason      string       `json:"reason,omitempty"`
}

// CodeAnalysis is the classifier output for one code body.
type CodeAnalysis struct {
	Level             ComplexityLevel `json:"level"`
	ForbiddenPatterns []string        `json:"forbidden_patterns,omitempty"`
	Executable        bool            `json:"executable"`
	RequiredRole      string          `json:"required_role,omitempty"`
	ReasonCode        string          `json:"reason_code"`
	Reason            string          `json:"reason,omitempty"`
}

// ExecutionIntent declares what a principal intends to run and where.
// ProofSig binds every other field (see CanonicalIntentMessage).
type ExecutionIntent struct {
	Principal  string          `json:"principal"`
	Orbit      string          `json:"orbit"`
	Path       string          `json:"path"`
	Function   string          `json:"function"`
	Purpose    string          `json:"purpose"`
	Pattern    UsagePattern    `json:"pattern"`
	Complexity ComplexityLevel `json:"complexity"`
	Timestamp  time.Time       `json:"timestamp"`
	ProofSig   string          `json:"proof_sig,omitempty"`
}

// Verification is the intent-verifier verdict.
type Verification struct {
	Allowed        bool     `json:"allowed"`
	ReasonCode     string   `json:"reason_code"`
	Reason         string   `json:"reason,omitempty"`
	RequiredProofs []string `json:"required_proofs,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
}

// VerifiedAccess records that a principal passed full verification for
// one (orbit, path, function). One current grant per code path.
type VerifiedAccess struct {
	GrantID   string       `json:"grant_id"`
	Principal string       `json:"principal"`
	Orbit     string       `json:"orbit"`
	Path      string       `json:"path"`
	Function  string       `json:"function"`
	Pattern   UsagePattern `json:"pattern"`
	GrantedAt time.Time    `json:"granted_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (v VerifiedAccess) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// GrantKey is the code-path key a VerifiedAccess is stored under.
func GrantKey(orbit, path, function string) string {
	return orbit + "/" + path + "#" + function
}

// ExecutionRequest is what the dispatch layer hands to the orchestrator.
type ExecutionRequest struct {
	Principal string       `json:"principal"`
	Identity  string       `json:"identity"`
	Code      string       `json:"code"`
	Orbit     string       `json:"orbit"`
	Path      string       `json:"path"`
	Function  string       `json:"function"`
	Purpose   string       `json:"purpose"`
	Pattern   UsagePattern `json:"pattern"`
	Timestamp time.Time    `json:"timestamp"`
	Signature string       `json:"signature"`
	ProofSig  string       `json:"proof_sig,omitempty"`
}

// SecurityVerification aggregates the whole pipeline into one verdict.
// Partial stage results stay attached so a denial shows how far the
// request got; only the first failing stage's reason surfaces.
type SecurityVerification struct {
	DecisionID     string        `json:"decision_id"`
	Allowed        bool          `json:"allowed"`
	Principal      string        `json:"principal"`
	Orbit          string        `json:"orbit"`
	Auth           *AuthResult   `json:"auth,omitempty"`
	Analysis       *CodeAnalysis `json:"analysis,omitempty"`
	Intent         *Verification `json:"intent,omitempty"`
	ReasonCode     string        `json:"reason_code"`
	Reason         string        `json:"reason,omitempty"`
	Constraints    []string      `json:"constraints,omitempty"`
	RequiredProofs []string      `json:"required_proofs,omitempty"`
	DecidedAt      time.Time     `json:"decided_at"`
}

// ReasonOK is the shared success reason code.
const ReasonOK = "OK"
