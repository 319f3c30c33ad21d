// Package beads wraps invocations of the external bd task-graph CLI. All
// calls go through a capacity-1 semaphore so concurrent callers never race
// on the bd database; waiters are served in arrival order.
package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/adjutant/adjutant/internal/metrics"
)

// DefaultTimeout bounds a single bd invocation.
const DefaultTimeout = 15 * time.Second

// Error codes returned in InvokeError.Code.
const (
	CodeTimeout       = "TIMEOUT"
	CodeSpawnError    = "SPAWN_ERROR"
	CodeParseError    = "PARSE_ERROR"
	CodeBdPanic       = "BD_PANIC"
	CodeCommandFailed = "COMMAND_FAILED"
)

// InvokeError is a structured bd failure.
type InvokeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of one bd invocation. Data is set only on success
// with JSON parsing enabled.
type Result struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Raw      string          `json:"raw,omitempty"`
	ExitCode int             `json:"exitCode"`
	Err      *InvokeError    `json:"error,omitempty"`
}

// Options tune one invocation. Zero values pick the defaults.
type Options struct {
	Cwd       string
	Timeout   time.Duration // 0 means DefaultTimeout
	ParseJSON *bool         // nil means true
	Stdin     string
}

// Client serializes bd invocations.
type Client struct {
	bin string
	sem chan struct{}
}

// NewClient builds a Client for the given binary ("" means "bd").
func NewClient(bin string) *Client {
	if bin == "" {
		bin = "bd"
	}
	return &Client{bin: bin, sem: make(chan struct{}, 1)}
}

// crash signatures that upgrade a non-zero exit to BD_PANIC.
var panicSignatures = []string{
	"panic:",
	"runtime error:",
	"SIGSEGV",
}

func looksLikeCrash(stderr string) bool {
	for _, sig := range panicSignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	// "goroutine N [running]:" stack header.
	if i := strings.Index(stderr, "goroutine "); i >= 0 &&
		strings.Contains(stderr[i:], "[running]") {
		return true
	}
	return false
}

// Exec runs bd with the given arguments. The semaphore is released on every
// exit path, so a failing call never wedges the queue.
func (c *Client) Exec(ctx context.Context, args []string, opts Options) Result {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return failure(CodeTimeout, "queue wait: "+ctx.Err().Error(), -1)
	}
	defer func() { <-c.sem }()

	start := time.Now()
	res := c.run(ctx, args, opts)
	metrics.BdInvocationDuration.Observe(time.Since(start).Seconds())
	if res.Success {
		metrics.BdInvocationsTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.BdInvocationsTotal.WithLabelValues(strings.ToLower(res.Err.Code)).Inc()
	}
	return res
}

func (c *Client) run(ctx context.Context, args []string, opts Options) Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = opts.Cwd
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return failure(CodeSpawnError, err.Error(), -1)
	}

	err := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return failure(CodeTimeout,
			fmt.Sprintf("bd %s timed out after %s", firstArg(args), timeout), -1)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return failure(CodeSpawnError, err.Error(), -1)
		}
		code := exitErr.ExitCode()
		errText := strings.TrimSpace(stderr.String())
		if looksLikeCrash(errText) {
			return failure(CodeBdPanic, "bd crashed: "+excerpt(errText), code)
		}
		if errText == "" {
			errText = fmt.Sprintf("bd exited with code %d", code)
		}
		return failure(CodeCommandFailed, errText, code)
	}

	parse := opts.ParseJSON == nil || *opts.ParseJSON
	if !parse {
		return Result{Success: true, ExitCode: 0, Raw: stdout.String()}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		out = []byte("null")
	}
	if !json.Valid(out) {
		return failure(CodeParseError, "bd stdout is not valid JSON: "+excerpt(string(out)), 0)
	}
	return Result{Success: true, ExitCode: 0, Data: json.RawMessage(out)}
}

// ResetSemaphore clears a held semaphore slot. Test hook only.
func (c *Client) ResetSemaphore() {
	select {
	case <-c.sem:
	default:
	}
}

func failure(code, msg string, exitCode int) Result {
	return Result{
		Success:  false,
		ExitCode: exitCode,
		Err:      &InvokeError{Code: code, Message: msg},
	}
}

// excerpt trims long diagnostics to a loggable size.
func excerpt(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
