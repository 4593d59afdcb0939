// Package guardrail implements the policy engine gating every action the
// orchestrator takes: destructive-pattern checks, sensitive-path checks,
// allow/deny path lists, sliding-window rate limits, optional quotas and the
// always-gated self-extension rule. Classification is pure; the most
// restrictive matching rule always wins.
package guardrail

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"otto/internal/domain"
)

// Verdict is the outcome of classifying an action.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRequireApproval Verdict = "require_approval"
)

// Decision is the engine's answer for one action.
type Decision struct {
	Verdict Verdict
	Level   domain.ApprovalLevel
	Reason  string
	Rule    string
	// RetryAfter is set on rate-limit denials.
	RetryAfter time.Duration
}

// restrictiveness orders decisions so merging picks the harshest.
func (d Decision) restrictiveness() int {
	switch d.Verdict {
	case VerdictDeny:
		return 3
	case VerdictRequireApproval:
		switch d.Level {
		case domain.LevelReview:
			return 2
		default:
			return 1
		}
	default:
		return 0
	}
}

// Action is the classification input: what is about to run and on whose
// behalf.
type Action struct {
	Description string
	Tool        string
	Args        map[string]any
	Paths       []string
	Actor       string
	// SelfExtension marks actions that create or replace a plugin or tool
	// module. These always require review.
	SelfExtension bool
	// BytesWritten feeds the optional write quota.
	BytesWritten int64
}

// Config carries the configurable rule sets.
type Config struct {
	// DeniedCommands extends the built-in destructive pattern set with
	// literal substrings.
	DeniedCommands []string
	// SensitivePaths extends the built-in sensitive path set.
	SensitivePaths []string
	// SensitivePathsDeny switches sensitive-path matches from
	// require_approval(review) to outright denial.
	SensitivePathsDeny bool
	AllowedPaths       []string
	DeniedPaths        []string

	MaxCallsPerHour int
	PerToolPerMin   int

	// Quotas are off by default.
	QuotasEnabled   bool
	MaxBytesWritten int64

	// SecretDenylist lists literal values the redactor must always strip.
	SecretDenylist []string
}

// destructivePatterns are the built-in regular expressions that demand
// confirmation. They target recursive deletes, destructive SQL, force
// pushes, fork bombs, raw device writes and permission blowouts.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
	regexp.MustCompile(`(?i)\brm\s+-rf?\s+[/~]`),
	regexp.MustCompile(`(?i)\b(drop|truncate)\s+(table|database|schema)\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+\s*(;|$)`),
	regexp.MustCompile(`(?i)\bgit\s+push\s+(-f\b|--force)`),
	regexp.MustCompile(`:\(\)\s*\{.*:\|:.*\}\s*;?\s*:`),
	regexp.MustCompile(`(?i)\bdd\s+.*of=/dev/(sd|hd|nvme|vd)`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\s`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)?777\b`),
	regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|vd)`),
}

// sensitivePathPatterns are the built-in credential and system locations.
var sensitivePathPatterns = []string{
	".ssh", ".gnupg", ".aws", ".kube", ".docker/config.json",
	".netrc", ".npmrc", ".pypirc", "id_rsa", "id_ed25519",
	"credentials", "secrets", ".env",
	"/etc/passwd", "/etc/shadow", "/etc/sudoers", "/boot", "/proc/sys",
}

// Engine classifies actions and exposes the shared redactor. Policy reloads
// swap the config atomically under the mutex; classification itself takes no
// locks beyond the limiter's own.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	redactor *Redactor

	limiter *SlidingWindow
	quota   *quotaTracker
}

// New builds an engine from config.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		redactor: NewRedactor(cfg.SecretDenylist),
		limiter:  NewSlidingWindow(),
		quota:    newQuotaTracker(),
	}
}

// Reload atomically replaces the policy configuration. Counters survive a
// reload so a policy tweak cannot reset rate limits.
func (e *Engine) Reload(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.redactor = NewRedactor(cfg.SecretDenylist)
	e.mu.Unlock()
}

// Redactor returns the shared redactor the event store boundary applies.
func (e *Engine) Redactor() *Redactor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.redactor
}

// Classify evaluates every rule against the action and returns the most
// restrictive matching decision. A clean action returns allow.
func (e *Engine) Classify(action Action) Decision {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	decision := Decision{Verdict: VerdictAllow}
	merge := func(d Decision) {
		if d.restrictiveness() > decision.restrictiveness() {
			decision = d
		}
	}

	text := action.Description
	if action.Tool != "" {
		text += " " + action.Tool
	}
	for _, v := range action.Args {
		if s, ok := v.(string); ok {
			text += " " + s
		}
	}

	// 1. Destructive patterns: built-in regexes plus configured literals.
	for _, pattern := range destructivePatterns {
		if pattern.MatchString(text) {
			merge(Decision{
				Verdict: VerdictRequireApproval,
				Level:   domain.LevelConfirm,
				Reason:  "matches destructive pattern",
				Rule:    "destructive_pattern",
			})
			break
		}
	}
	lower := strings.ToLower(text)
	for _, literal := range cfg.DeniedCommands {
		if literal != "" && strings.Contains(lower, strings.ToLower(literal)) {
			merge(Decision{
				Verdict: VerdictRequireApproval,
				Level:   domain.LevelConfirm,
				Reason:  fmt.Sprintf("matches denied command %q", literal),
				Rule:    "denied_command",
			})
			break
		}
	}

	// 2. Sensitive paths.
	paths := collectPaths(action)
	for _, path := range paths {
		if hit, fragment := matchesSensitive(path, cfg.SensitivePaths); hit {
			d := Decision{
				Verdict: VerdictRequireApproval,
				Level:   domain.LevelReview,
				Reason:  fmt.Sprintf("path %s touches sensitive location %q", path, fragment),
				Rule:    "sensitive_path",
			}
			if cfg.SensitivePathsDeny {
				d.Verdict = VerdictDeny
				d.Level = ""
			}
			merge(d)
		}
	}

	// 3. Allow/deny path lists; deny wins over allow.
	for _, path := range paths {
		if matchesPrefixList(path, cfg.DeniedPaths) {
			merge(Decision{
				Verdict: VerdictDeny,
				Reason:  fmt.Sprintf("path %s is denied by policy", path),
				Rule:    "denied_path",
			})
		} else if len(cfg.AllowedPaths) > 0 && !matchesPrefixList(path, cfg.AllowedPaths) {
			merge(Decision{
				Verdict: VerdictRequireApproval,
				Level:   domain.LevelConfirm,
				Reason:  fmt.Sprintf("path %s is outside the allowed roots", path),
				Rule:    "outside_allowed_paths",
			})
		}
	}

	// 4. Rate limits: per-actor hourly, per-tool per-minute.
	if cfg.MaxCallsPerHour > 0 && action.Actor != "" {
		if ok, reset := e.limiter.Allow("actor:"+action.Actor, cfg.MaxCallsPerHour, time.Hour); !ok {
			merge(Decision{
				Verdict:    VerdictDeny,
				Reason:     fmt.Sprintf("actor %s exceeded %d calls/hour", action.Actor, cfg.MaxCallsPerHour),
				Rule:       "rate_limit_actor",
				RetryAfter: reset,
			})
		}
	}
	if cfg.PerToolPerMin > 0 && action.Tool != "" {
		if ok, reset := e.limiter.Allow("tool:"+action.Tool, cfg.PerToolPerMin, time.Minute); !ok {
			merge(Decision{
				Verdict:    VerdictDeny,
				Reason:     fmt.Sprintf("tool %s exceeded %d calls/minute", action.Tool, cfg.PerToolPerMin),
				Rule:       "rate_limit_tool",
				RetryAfter: reset,
			})
		}
	}

	// 5. Optional write quota.
	if cfg.QuotasEnabled && cfg.MaxBytesWritten > 0 && action.BytesWritten > 0 {
		if !e.quota.add(action.Tool, action.BytesWritten, cfg.MaxBytesWritten) {
			merge(Decision{
				Verdict: VerdictDeny,
				Reason:  fmt.Sprintf("tool %s exceeded rolling write quota", action.Tool),
				Rule:    "write_quota",
			})
		}
	}

	// 6. Self-extension always needs review, regardless of anything milder.
	if action.SelfExtension {
		merge(Decision{
			Verdict: VerdictRequireApproval,
			Level:   domain.LevelReview,
			Reason:  "action creates or replaces a plugin or tool module",
			Rule:    "self_extension",
		})
	}

	return decision
}

func collectPaths(action Action) []string {
	paths := append([]string(nil), action.Paths...)
	for key, v := range action.Args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		k := strings.ToLower(key)
		if strings.Contains(k, "path") || strings.Contains(k, "file") || strings.Contains(k, "dir") {
			paths = append(paths, s)
		}
	}
	return paths
}

func matchesSensitive(path string, extra []string) (bool, string) {
	normalized := filepath.ToSlash(strings.ToLower(path))
	for _, fragment := range sensitivePathPatterns {
		if strings.Contains(normalized, fragment) {
			return true, fragment
		}
	}
	for _, fragment := range extra {
		if fragment != "" && strings.Contains(normalized, strings.ToLower(fragment)) {
			return true, fragment
		}
	}
	return false, ""
}

func matchesPrefixList(path string, prefixes []string) bool {
	cleaned := filepath.Clean(path)
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		p := filepath.Clean(prefix)
		if cleaned == p || strings.HasPrefix(cleaned, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// quotaTracker keeps rolling per-tool byte counts over one minute windows.
type quotaTracker struct {
	mu      sync.Mutex
	windows map[string]*quotaWindow
}

type quotaWindow struct {
	start time.Time
	bytes int64
}

func newQuotaTracker() *quotaTracker {
	return &quotaTracker{windows: map[string]*quotaWindow{}}
}

func (q *quotaTracker) add(tool string, n, limit int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	w, ok := q.windows[tool]
	if !ok || now.Sub(w.start) > time.Minute {
		w = &quotaWindow{start: now}
		q.windows[tool] = w
	}
	if w.bytes+n > limit {
		return false
	}
	w.bytes += n
	return true
}
