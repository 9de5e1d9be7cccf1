package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"orbitgate/pkg/models"
	"orbitgate/pkg/ratelimit"
	"orbitgate/pkg/store"
)

const (
	ReasonForbiddenConstruct = "FORBIDDEN_CONSTRUCT"
	ReasonComplexityExceeded = "COMPLEXITY_EXCEEDED"
	ReasonRateLimited        = "RATE_LIMITED"
)

// DefaultCacheTTL bounds how long an analysis may be replayed from the
// cache before the scan runs again.
const DefaultCacheTTL = 10 * time.Minute

// syscallTokens is the role-gated denylist: raw kernel access, FFI,
// unsafe blocks, process spawning primitives and dynamic loading. Code
// containing any of these is executable only for a role holding the
// syscall permission.
var syscallTokens = []string{
	"syscall",
	"asm!",
	"unsafe",
	`extern "c"`,
	"execve",
	"fork(",
	"posix_spawn",
	"dlopen",
	"loadlibrary",
	"ptrace",
	"/dev/mem",
	"int 0x80",
}

// metaTokens flag code that builds or evaluates code. This scan is
// never role-gated: generated code could not be classified, so it is
// rejected for every role including root.
var metaTokens = []string{
	"proc_macro",
	"macro_rules!",
	"quote!",
	"syn::",
	"eval(",
	"compile(",
	"__import__",
	"ast.parse",
}

var limitedTokens = []string{
	"std::fs",
	"file::open",
	"fopen",
	"read_to_string",
	"tcpstream",
	"udpsocket",
	"socket(",
	"connect(",
	"http://",
	"https://",
}

var privilegedTokens = []string{
	"command::new",
	"subprocess",
	"kill(",
	"waitpid",
	"setenv",
	"env::set_var",
	"set_env",
	"chmod",
	"chown",
}

// Classifier statically ranks submitted code. The analysis cache is a
// performance optimization only, never a security boundary.
type Classifier struct {
	Cache    store.Cache
	CacheTTL time.Duration
	Limiter  ratelimit.Limiter
}

func New(cache store.Cache) *Classifier {
	if cache == nil {
		cache = store.NewMemoryCache()
	}
	return &Classifier{
		Cache:    cache,
		CacheTTL: DefaultCacheTTL,
		Limiter:  ratelimit.NewInMemory(time.Minute),
	}
}

// Classify scans raw source text and returns the maximal detected
// complexity level, or a denial analysis with Executable=false.
func (c *Classifier) Classify(ctx context.Context, principal, code string, role models.Role) models.CodeAnalysis {
	if analysis, limited := c.checkBudgets(principal, len(code), role); limited {
		return analysis
	}

	cacheKey := analysisCacheKey(len(code), role.Name)
	if cached, err := c.Cache.Get(ctx, cacheKey); err == nil {
		var analysis models.CodeAnalysis
		if jsonErr := json.Unmarshal([]byte(cached), &analysis); jsonErr == nil {
			return analysis
		}
	}

	analysis := c.scan(code, role)
	if raw, err := json.Marshal(analysis); err == nil {
		_ = c.Cache.Set(ctx, cacheKey, string(raw), c.cacheTTL())
	}
	return analysis
}

func (c *Classifier) scan(code string, role models.Role) models.CodeAnalysis {
	lower := strings.ToLower(code)

	if matches := matchTokens(lower, metaTokens); len(matches) > 0 {
		return models.CodeAnalysis{
			Level:             models.ComplexitySyscall,
			ForbiddenPatterns: matches,
			Executable:        false,
			ReasonCode:        ReasonForbiddenConstruct,
			Reason:            fmt.Sprintf("meta-programming construct %q is never executable", matches[0]),
		}
	}

	level := models.ComplexitySafe
	denyMatches := matchTokens(lower, syscallTokens)
	if len(denyMatches) > 0 {
		if !role.HasPermission(models.PermSyscall) {
			return models.CodeAnalysis{
				Level:             models.ComplexitySyscall,
				ForbiddenPatterns: denyMatches,
				Executable:        false,
				RequiredRole:      models.RoleRoot,
				ReasonCode:        ReasonForbiddenConstruct,
				Reason:            fmt.Sprintf("construct %q requires syscall clearance", denyMatches[0]),
			}
		}
		level = models.ComplexitySyscall
	}
	if level < models.ComplexityPrivileged && len(matchTokens(lower, privilegedTokens)) > 0 {
		level = models.ComplexityPrivileged
	}
	if level < models.ComplexityLimited && len(matchTokens(lower, limitedTokens)) > 0 {
		level = models.ComplexityLimited
	}

	if level > role.MaxComplexity {
		return models.CodeAnalysis{
			Level:        level,
			Executable:   false,
			RequiredRole: minimalRoleFor(level),
			ReasonCode:   ReasonComplexityExceeded,
			Reason:       fmt.Sprintf("detected %s exceeds role ceiling %s", level, role.MaxComplexity),
		}
	}
	return models.CodeAnalysis{
		Level:        level,
		Executable:   true,
		RequiredRole: minimalRoleFor(level),
		ReasonCode:   models.ReasonOK,
	}
}

func (c *Classifier) checkBudgets(principal string, codeBytes int, role models.Role) (models.CodeAnalysis, bool) {
	if d := c.Limiter.Allow("req:"+principal, role.RequestsPerMinute); !d.Allowed {
		return models.CodeAnalysis{
			Executable: false,
			ReasonCode: ReasonRateLimited,
			Reason:     fmt.Sprintf("request budget %d/min exhausted, resets %s", d.Limit, d.ResetAt.Format(time.RFC3339)),
		}, true
	}
	if d := c.Limiter.AllowN("bytes:"+principal, codeBytes, role.BytesPerMinute); !d.Allowed {
		return models.CodeAnalysis{
			Executable: false,
			ReasonCode: ReasonRateLimited,
			Reason:     fmt.Sprintf("byte budget %d/min exhausted, resets %s", d.Limit, d.ResetAt.Format(time.RFC3339)),
		}, true
	}
	return models.CodeAnalysis{}, false
}

func (c *Classifier) cacheTTL() time.Duration {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return DefaultCacheTTL
}

func matchTokens(lower string, tokens []string) []string {
	var matches []string
	for _, token := range tokens {
		if strings.Contains(lower, token) {
			matches = append(matches, token)
		}
	}
	return matches
}

// minimalRoleFor names the least privileged built-in role whose ceiling
// admits the level.
func minimalRoleFor(level models.ComplexityLevel) string {
	switch {
	case level >= models.ComplexitySyscall:
		return models.RoleRoot
	case level >= models.ComplexityPrivileged:
		return models.RoleDeveloper
	default:
		return models.RoleUser
	}
}

// analysisCacheKey keys by code length and role. Two code bodies of
// equal length under the same role collide; the cache is advisory and
// every verdict is still re-checked downstream.
func analysisCacheKey(codeLen int, roleName string) string {
	return fmt.Sprintf("ca:%d:%s", codeLen, roleName)
}
