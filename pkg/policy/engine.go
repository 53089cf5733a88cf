package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Source is the label carried by alerts built from policy violations.
const Source = "Security Policy Check"

// Engine runs every rule of the current Policy against a snapshot. Its caches
// are only mutated from Evaluate, which the coordinator calls from a single
// refresh cycle at a time.
type Engine struct {
	mu             sync.Mutex
	policy         Policy
	verifier       CodeSigningVerifier
	customVerifier bool
	resolver       ExecutableResolver
	hasher         Hasher
	logger         zerolog.Logger
	errHandler     *gerrors.ErrorHandler

	// signCache holds the verification outcome per executable path.
	signCache map[string]error
	// hashes holds the last observed executable digest per pid. Entries for
	// pids missing from the evaluated snapshot are dropped.
	hashes map[int32]integrityRecord
	stat   func(name string) (os.FileInfo, error)
}

// integrityRecord is the baseline of one pid. size and mtime let an
// unchanged file skip rehashing.
type integrityRecord struct {
	path  string
	size  int64
	mtime time.Time
	sum   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithVerifier replaces the platform code-signing verifier. The verifier is
// kept across SetPolicy calls.
func WithVerifier(v CodeSigningVerifier) Option {
	return func(e *Engine) {
		e.verifier = v
		e.customVerifier = true
	}
}

func WithResolver(r ExecutableResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func WithHasher(h Hasher) Option {
	return func(e *Engine) { e.hasher = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithErrorHandler routes skipped checks to a shared handler.
func WithErrorHandler(h *gerrors.ErrorHandler) Option {
	return func(e *Engine) { e.errHandler = h }
}

// NewEngine creates an engine for p. Unset collaborators default to the
// gopsutil resolver, SHA-256 hasher and the platform verifier.
func NewEngine(p Policy, opts ...Option) *Engine {
	e := &Engine{
		policy:    p.Clone(),
		resolver:  ProcessResolver{},
		hasher:    SHA256Hasher{},
		logger:    log.Logger,
		signCache: make(map[string]error),
		hashes:    make(map[int32]integrityRecord),
		stat:      os.Stat,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "policy").Logger()
	if e.verifier == nil {
		e.verifier = NewDefaultVerifier(e.policy)
	}
	if e.errHandler == nil {
		e.errHandler = gerrors.NewErrorHandler(e.logger, nil)
	}
	return e
}

// Policy returns a copy of the rule set in force.
func (e *Engine) Policy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.Clone()
}

// SetPolicy swaps the rule set. Cached signing results are dropped since they
// depend on the allowed authorities or paths; integrity baselines are kept.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p.Clone()
	if !e.customVerifier {
		e.verifier = NewDefaultVerifier(e.policy)
	}
	e.signCache = make(map[string]error)
	e.logger.Info().
		Float64("max_cpu_usage", p.MaxCPUUsage).
		Float64("max_memory_usage", p.MaxMemoryUsage).
		Int("allowed_ports", len(p.AllowedPorts)).
		Int("allowed_domains", len(p.AllowedDomains)).
		Msg("Security policy updated")
}

// Evaluate returns all violations joined with "; ", or false when st is clean.
func (e *Engine) Evaluate(ctx context.Context, st *model.SystemState) (string, bool) {
	violations := e.Violations(ctx, st)
	if len(violations) == 0 {
		return "", false
	}
	return strings.Join(violations, "; "), true
}

// Violations runs every check and returns the individual findings in
// evaluation order. A check that cannot be evaluated counts as passed.
func (e *Engine) Violations(ctx context.Context, st *model.SystemState) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.policy
	var violations []string

	if st.CPUUsage > p.MaxCPUUsage {
		violations = append(violations, fmt.Sprintf("CPU usage too high: %.1f%% (max: %.1f%%)", st.CPUUsage, p.MaxCPUUsage))
	}
	if st.MemoryUsage > p.MaxMemoryUsage {
		violations = append(violations, fmt.Sprintf("Memory usage too high: %.1f%% (max: %.1f%%)", st.MemoryUsage, p.MaxMemoryUsage))
	}

	live := make(map[int32]bool, len(st.ActiveProcesses))
	for _, proc := range st.ActiveProcesses {
		live[proc.Pid] = true
		violations = append(violations, e.checkProcess(ctx, p, proc)...)
	}
	for pid := range e.hashes {
		if !live[pid] {
			delete(e.hashes, pid)
		}
	}

	for _, conn := range st.NetworkStats.Connections {
		if port := conn.RemotePort(); !portAllowed(p.AllowedPorts, port) {
			violations = append(violations, fmt.Sprintf("Unauthorized network connection to port %d (%s)", port, conn.RemoteAddr))
		}
		// Allowlist suffixes match whole labels only, so "github.com" does
		// not cover "evilgithub.com".
		if conn.DNSName != nil && !domainAllowed(p.AllowedDomains, *conn.DNSName) {
			violations = append(violations, fmt.Sprintf("Connection to unauthorized domain: %s", *conn.DNSName))
		}
	}

	return violations
}

func (e *Engine) checkProcess(ctx context.Context, p Policy, proc model.ProcessInfo) []string {
	var out []string

	name := strings.ToLower(proc.Name)
	for _, s := range p.SuspiciousProcesses {
		if s != "" && strings.Contains(name, strings.ToLower(s)) {
			out = append(out, fmt.Sprintf("Suspicious process detected: %s (PID: %d)", proc.Name, proc.Pid))
			break
		}
	}

	if !p.VerifyCodeSigning && !p.VerifyIntegrity {
		return out
	}

	path, err := e.resolver.Executable(ctx, proc.Pid)
	if err != nil {
		if errors.Is(err, ErrProcessGone) {
			e.logger.Trace().Int32("pid", proc.Pid).Msg("Process exited before checks, treated as pass")
			return out
		}
		e.errHandler.HandleError(ctx, gerrors.NewPolicyCheckError("policy", "resolve_executable", proc.Pid, err))
		return out
	}

	if p.VerifyCodeSigning {
		if reason := e.verify(ctx, path); reason != nil {
			out = append(out, fmt.Sprintf("Code signing verification failed for %s (PID: %d): %s", proc.Name, proc.Pid, reason))
		}
	}

	if p.VerifyIntegrity {
		modified, err := e.checkIntegrity(proc.Pid, path)
		if err != nil {
			e.errHandler.HandleError(ctx, gerrors.NewPolicyCheckError("policy", "integrity", proc.Pid, err))
		} else if modified {
			out = append(out, fmt.Sprintf("Process integrity check failed for %s (PID: %d): Process binary has been modified", proc.Name, proc.Pid))
		}
	}

	return out
}

func (e *Engine) verify(ctx context.Context, path string) error {
	if res, ok := e.signCache[path]; ok {
		return res
	}
	res := e.verifier.Verify(ctx, path)
	e.signCache[path] = res
	return res
}

// checkIntegrity compares the digest of path with the one recorded for pid.
// The first observation becomes the baseline; a changed digest is reported
// once and then replaces the baseline. A file whose path, size and mtime
// match the baseline is not rehashed.
func (e *Engine) checkIntegrity(pid int32, path string) (bool, error) {
	prev, seen := e.hashes[pid]
	info, statErr := e.stat(path)
	if seen && statErr == nil && prev.path == path &&
		prev.size == info.Size() && prev.mtime.Equal(info.ModTime()) {
		return false, nil
	}

	sum, err := e.hasher.Hash(path)
	if err != nil {
		return false, err
	}
	rec := integrityRecord{path: path, sum: sum}
	if statErr == nil {
		rec.size, rec.mtime = info.Size(), info.ModTime()
	}
	e.hashes[pid] = rec
	return seen && prev.sum != sum, nil
}

func portAllowed(allowed []uint16, port uint16) bool {
	for _, p := range allowed {
		if p == port {
			return true
		}
	}
	return false
}

// domainAllowed matches name against the allowlist by suffix on a label
// boundary, so "api.github.com" matches "github.com" but "evilgithub.com"
// does not.
func domainAllowed(allowed []string, name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSuffix(d, "."))
		if d == "" {
			continue
		}
		if name == d || strings.HasSuffix(name, "."+d) {
			return true
		}
	}
	return false
}
