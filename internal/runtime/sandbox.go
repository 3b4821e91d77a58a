package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// ExecPolicy caps what the execute and install tools may do inside a session
// workspace. It is derived from tools.execute and tools.install config.
type ExecPolicy struct {
	Runtime        string
	Image          string
	Timeout        time.Duration
	MemoryMB       int64
	CPUQuota       int64
	PidsLimit      int64
	NetworkEnabled bool
	Allowlist      []string
}

// LoadExecPolicy builds the execution policy from config.
func LoadExecPolicy(cfg *config.Config) (*ExecPolicy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	exec := cfg.Tools.Execute
	if strings.TrimSpace(exec.Runtime) == "" {
		return nil, fmt.Errorf("tools.execute.runtime not configured")
	}
	policy := &ExecPolicy{
		Runtime:   exec.Runtime,
		Image:     exec.Image,
		Timeout:   exec.Timeout,
		MemoryMB:  exec.MemoryMB,
		CPUQuota:  exec.CPUQuota,
		PidsLimit: exec.PidsLimit,
		Allowlist: cfg.Tools.Install.Allowlist,
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 2 * time.Minute
	}
	return policy, nil
}

// ExecEnforcer performs policy validation prior to execution.
type ExecEnforcer struct {
	policy *ExecPolicy
}

var (
	sandboxMetricsOnce      sync.Once
	sandboxRequests         otelmetric.Int64Counter
	sandboxTimeoutHistogram otelmetric.Float64Histogram
	sandboxMemoryHistogram  otelmetric.Float64Histogram
	sandboxNetworkBlocked   otelmetric.Int64Counter
	packagesRejected        otelmetric.Int64Counter
)

func initSandboxMetrics() {
	meter := otel.Meter("quizzer/runtime/sandbox")
	var err error
	sandboxRequests, err = meter.Int64Counter(
		"quizzer_sandbox_requests_total",
		otelmetric.WithDescription("Number of sandbox validations performed"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: requests counter: %v", err)
	}
	sandboxTimeoutHistogram, err = meter.Float64Histogram(
		"quizzer_sandbox_timeout_seconds",
		otelmetric.WithDescription("Requested timeout for sandboxed execution"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: timeout histogram: %v", err)
	}
	sandboxMemoryHistogram, err = meter.Float64Histogram(
		"quizzer_sandbox_memory_bytes",
		otelmetric.WithDescription("Memory limit applied to sandboxed execution"),
		otelmetric.WithUnit("By"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: memory histogram: %v", err)
	}
	sandboxNetworkBlocked, err = meter.Int64Counter(
		"quizzer_sandbox_network_blocked_total",
		otelmetric.WithDescription("Sandbox executions where outbound network was blocked"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: network blocked counter: %v", err)
	}
	packagesRejected, err = meter.Int64Counter(
		"quizzer_packages_rejected_total",
		otelmetric.WithDescription("Dependency install requests rejected by policy"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: packages rejected counter: %v", err)
	}
}

func NewExecEnforcer(policy *ExecPolicy) *ExecEnforcer {
	return &ExecEnforcer{policy: policy}
}

// ExecRequest describes an execution request for validation.
type ExecRequest struct {
	Runtime        string
	Timeout        time.Duration
	NetworkEnabled bool
}

// Validate ensures settings meet policy caps and applies default values from
// the loaded policy to the supplied request. The request is mutated in place
// so callers can rely on the returned values for downstream execution.
func (e *ExecEnforcer) Validate(ctx context.Context, req *ExecRequest) error {
	if e == nil || e.policy == nil {
		return nil
	}
	if req == nil {
		return fmt.Errorf("exec request is nil")
	}
	if req.Runtime == "" {
		req.Runtime = e.policy.Runtime
	} else if req.Runtime != e.policy.Runtime {
		return fmt.Errorf("runtime %s not allowed (configured %s)", req.Runtime, e.policy.Runtime)
	}
	if req.Timeout <= 0 {
		req.Timeout = e.policy.Timeout
	}
	if e.policy.Timeout > 0 && req.Timeout > e.policy.Timeout {
		return fmt.Errorf("timeout %s exceeds policy %s", req.Timeout, e.policy.Timeout)
	}
	if req.NetworkEnabled && !e.policy.NetworkEnabled {
		return fmt.Errorf("network access disabled by policy")
	}
	recordSandboxMetrics(ctx, e.policy, *req)
	return nil
}

// ValidatePackages checks every requested dependency against the safe-name
// pattern and the configured allowlist. An empty allowlist admits any valid
// name.
func (e *ExecEnforcer) ValidatePackages(ctx context.Context, pkgs []string) error {
	if len(pkgs) == 0 {
		return fmt.Errorf("no packages requested")
	}
	for _, pkg := range pkgs {
		if err := ValidatePackageName(pkg); err != nil {
			recordPackageRejected(ctx, "invalid_name")
			return err
		}
		if e != nil && e.policy != nil && len(e.policy.Allowlist) > 0 {
			if !allowlisted(e.policy.Allowlist, pkg) {
				recordPackageRejected(ctx, "not_allowlisted")
				return fmt.Errorf("package %q not in allowlist", pkg)
			}
		}
	}
	return nil
}

// Policy returns the underlying policy, useful for diagnostics and logging.
func (e *ExecEnforcer) Policy() *ExecPolicy {
	if e == nil {
		return nil
	}
	return e.policy
}

// EnsureExecPolicy loads the execution policy, validates the provided request
// against it and logs a standard "sandbox=true" message for observability.
func EnsureExecPolicy(ctx context.Context, cfg *config.Config, service string, logger *log.Logger, req ExecRequest) (*ExecEnforcer, ExecRequest, error) {
	policy, err := LoadExecPolicy(cfg)
	if err != nil {
		return nil, ExecRequest{}, err
	}

	enforcer := NewExecEnforcer(policy)
	normalized := req
	if err := enforcer.Validate(ctx, &normalized); err != nil {
		return nil, ExecRequest{}, err
	}

	if logger == nil {
		prefix := strings.TrimSpace(service)
		if prefix == "" {
			prefix = "service"
		}
		logger = log.New(os.Stdout, fmt.Sprintf("[%s] ", strings.ToUpper(prefix)), log.LstdFlags)
	}

	logger.Printf("sandbox=true runtime=%s memory_mb=%d cpu_quota=%d pids=%d timeout=%s network_enabled=%t allowlist=%d",
		normalized.Runtime, policy.MemoryMB, policy.CPUQuota, policy.PidsLimit, normalized.Timeout, policy.NetworkEnabled, len(policy.Allowlist))

	return enforcer, normalized, nil
}

// packagePattern matches a bare distribution name: leading alphanumeric, then
// alphanumerics, dots, underscores and hyphens.
var packagePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// versionPattern matches the constraint following a version operator.
var versionPattern = regexp.MustCompile(`^[A-Za-z0-9.*+!_-]+$`)

var versionOps = []string{"==", ">=", "<=", "~=", "!="}

// ValidatePackageName accepts a distribution name with an optional version
// pin (e.g. "pillow" or "numpy==1.26.4"). Anything that could reach the
// installer as a flag or a path is rejected.
func ValidatePackageName(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("empty package name")
	}
	if len(spec) > 128 {
		return fmt.Errorf("package spec too long: %q", spec[:32]+"...")
	}
	name, version := spec, ""
	for _, op := range versionOps {
		if i := strings.Index(spec, op); i >= 0 {
			name, version = spec[:i], spec[i+len(op):]
			break
		}
	}
	if !packagePattern.MatchString(name) {
		return fmt.Errorf("invalid package name %q", spec)
	}
	if version != "" && !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid version constraint in %q", spec)
	}
	return nil
}

// normalizePackage folds case and treats '-' and '_' as equivalent, the way
// package indexes compare distribution names.
func normalizePackage(spec string) string {
	name := spec
	for _, op := range versionOps {
		if i := strings.Index(spec, op); i >= 0 {
			name = spec[:i]
			break
		}
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

func allowlisted(allowlist []string, pkg string) bool {
	want := normalizePackage(pkg)
	for _, allowed := range allowlist {
		if normalizePackage(allowed) == want {
			return true
		}
	}
	return false
}

func recordSandboxMetrics(ctx context.Context, policy *ExecPolicy, normalized ExecRequest) {
	if ctx == nil {
		ctx = context.Background()
	}
	sandboxMetricsOnce.Do(initSandboxMetrics)
	attrs := []attribute.KeyValue{
		attribute.String("runtime", strings.TrimSpace(policy.Runtime)),
	}
	if sandboxRequests != nil {
		sandboxRequests.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
	if sandboxTimeoutHistogram != nil && normalized.Timeout > 0 {
		sandboxTimeoutHistogram.Record(ctx, normalized.Timeout.Seconds(), otelmetric.WithAttributes(attrs...))
	}
	if sandboxMemoryHistogram != nil && policy.MemoryMB > 0 {
		sandboxMemoryHistogram.Record(ctx, float64(policy.MemoryMB)*1024*1024, otelmetric.WithAttributes(attrs...))
	}
	if !normalized.NetworkEnabled && !policy.NetworkEnabled {
		if sandboxNetworkBlocked != nil {
			sandboxNetworkBlocked.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
	}
}

func recordPackageRejected(ctx context.Context, reason string) {
	if ctx == nil {
		ctx = context.Background()
	}
	sandboxMetricsOnce.Do(initSandboxMetrics)
	if packagesRejected != nil {
		packagesRejected.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
	}
}
