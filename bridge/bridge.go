// Package bridge runs the Salesforce CLI as a subprocess and classifies its
// outcome. The sf binary carries the org authentication, so every remote
// call the pipeline makes goes through here.
//
// The bridge never turns a non-zero exit into a Go error: callers receive a
// Result whose Class places the outcome in the retry taxonomy (ok,
// transport, quota, syntactic, timeout). Errors are reserved for failures to
// spawn the subprocess at all.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Class is the outcome classification of a CLI invocation.
type Class string

const (
	ClassOK        Class = "ok"
	ClassTransport Class = "transport_error"
	ClassQuota     Class = "quota_error"
	ClassSyntactic Class = "syntactic_error"
	ClassTimeout   Class = "timeout"
)

// Retryable reports whether an invocation with this class may be retried.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransport, ClassQuota, ClassTimeout:
		return true
	default:
		return false
	}
}

// DefaultTimeout bounds a single CLI invocation.
const DefaultTimeout = 300 * time.Second

// DefaultKillGrace is how long a cancelled subprocess gets to exit after
// SIGTERM before it is hard-killed.
const DefaultKillGrace = 5 * time.Second

// quotaMarkers and syntacticMarkers map sf stderr/stdout substrings to
// outcome classes. A non-zero exit with no recognizable marker is a
// transport error.
var quotaMarkers = []string{
	"REQUEST_LIMIT_EXCEEDED",
	"TotalRequests Limit exceeded",
	"ConcurrentRequests Limit exceeded",
	"API_CURRENTLY_DISABLED",
}

var syntacticMarkers = []string{
	"MALFORMED_QUERY",
	"INVALID_FIELD",
	"INVALID_TYPE",
	"INVALID_QUERY_FILTER_OPERATOR",
	"unexpected token",
	"Unknown error parsing query",
}

// Request describes a single CLI invocation.
type Request struct {
	// Args are passed to the sf binary verbatim. The org alias flag is
	// appended by the bridge when configured.
	Args []string

	// Stdin, when non-nil, is piped to the subprocess.
	Stdin []byte

	// Timeout overrides the bridge default when positive.
	Timeout time.Duration
}

// Result is the captured outcome of a CLI invocation.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Class    Class
	Duration time.Duration
}

// Runner is the subprocess execution contract. The pipeline depends on this
// interface so tests can substitute a fake CLI.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIBridge invokes the Salesforce CLI. It is stateless; concurrent Run
// calls are safe and each spawns its own subprocess.
type CLIBridge struct {
	bin       string
	orgAlias  string
	timeout   time.Duration
	killGrace time.Duration
	log       *logrus.Logger
}

// New creates a bridge for the given binary path and org alias.
func New(bin, orgAlias string, log *logrus.Logger) *CLIBridge {
	return &CLIBridge{
		bin:       bin,
		orgAlias:  orgAlias,
		timeout:   DefaultTimeout,
		killGrace: DefaultKillGrace,
		log:       log,
	}
}

// WithTimeout overrides the default per-invocation timeout.
func (b *CLIBridge) WithTimeout(d time.Duration) *CLIBridge {
	if d > 0 {
		b.timeout = d
	}
	return b
}

// WithKillGrace overrides the SIGTERM-to-SIGKILL grace period.
func (b *CLIBridge) WithKillGrace(d time.Duration) *CLIBridge {
	if d > 0 {
		b.killGrace = d
	}
	return b
}

// ResolveBinary locates the Salesforce CLI. An explicit override wins;
// otherwise the well-known binary names are probed on PATH.
func ResolveBinary(override string) (string, error) {
	if override != "" {
		path, err := exec.LookPath(override)
		if err != nil {
			return "", fmt.Errorf("sf binary %q not found: %w", override, err)
		}
		return path, nil
	}
	for _, name := range []string{"sf", "sfdx"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("salesforce CLI not found on PATH (install via: npm install --global @salesforce/cli)")
}

// Run executes the CLI once and classifies the outcome. The returned error
// is non-nil only when the subprocess could not be started or the parent
// context was cancelled before completion.
func (b *CLIBridge) Run(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), req.Args...)
	if b.orgAlias != "" {
		args = append(args, "-o", b.orgAlias)
	}

	cmd := exec.CommandContext(runCtx, b.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	// On cancellation the subprocess gets SIGTERM and the kill grace to
	// flush before the runtime hard-kills it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = b.killGrace

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
		result.Class = ClassOK
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.ExitCode = -1
		result.Class = ClassTimeout
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("spawn %s: %w", b.bin, err)
		}
		result.ExitCode = exitErr.ExitCode()
		result.Class = Classify(result.Stdout, result.Stderr)
	}

	b.log.WithFields(logrus.Fields{
		"args":     strings.Join(req.Args, " "),
		"class":    result.Class,
		"exit":     result.ExitCode,
		"duration": result.Duration.String(),
	}).Debug("sf invocation finished")

	return result, nil
}

// Classify maps the output of a failed invocation onto the error taxonomy.
// Quota markers are checked first because the CLI sometimes wraps them in
// larger parse errors.
func Classify(stdout, stderr []byte) Class {
	combined := string(stdout) + "\n" + string(stderr)
	for _, marker := range quotaMarkers {
		if strings.Contains(combined, marker) {
			return ClassQuota
		}
	}
	for _, marker := range syntacticMarkers {
		if strings.Contains(combined, marker) {
			return ClassSyntactic
		}
	}
	return ClassTransport
}
