// Package script implements the sandboxed automation pipeline: user
// scripts run in an embedded JavaScript runtime with a hard wall-clock
// timeout and a capability-scoped API, never with filesystem, process, or
// arbitrary network access.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/zral/coord"
)

// Sandbox runs user scripts. Each execution gets a fresh runtime; nothing
// leaks between runs.
type Sandbox struct {
	timeout time.Duration
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithSandboxLogger sets the logger backing the script's $log API.
func WithSandboxLogger(logger *slog.Logger) SandboxOption {
	return func(s *Sandbox) { s.logger = logger }
}

// WithExecutionTimeout sets the hard wall-clock bound per run.
func WithExecutionTimeout(d time.Duration) SandboxOption {
	return func(s *Sandbox) { s.timeout = d }
}

// WithHTTPClient overrides the client backing the script's $http API.
func WithHTTPClient(client *http.Client) SandboxOption {
	return func(s *Sandbox) { s.client = client }
}

// NewSandbox creates a Sandbox. baseURL scopes the script's $http API:
// scripts address resources by relative path only and can never reach
// hosts outside it.
func NewSandbox(baseURL string, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		timeout: 10 * time.Second,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckSyntax compiles the script without running it. Called at
// subscriber acceptance time so broken code is rejected synchronously
// instead of failing every triggered run.
func CheckSyntax(code string) error {
	if _, err := goja.Compile("script", code, true); err != nil {
		return errors.Join(coord.ErrScriptSyntax, err)
	}
	return nil
}

// Run executes code with the given input bound as the global `event`.
// The runtime is interrupted at the timeout or when ctx is cancelled,
// whichever comes first; a timed-out run returns coord.ErrScriptTimeout.
func (s *Sandbox) Run(ctx context.Context, name, code string, input map[string]any) error {
	prog, err := goja.Compile(name, code, true)
	if err != nil {
		return errors.Join(coord.ErrScriptSyntax, err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	s.install(ctx, vm, name)
	if err := vm.Set("event", input); err != nil {
		return err
	}

	// Interrupt fires inside the JS interpreter loop; it is the only way
	// to stop a busy loop that never yields.
	timer := time.AfterFunc(s.timeout, func() {
		vm.Interrupt(coord.ErrScriptTimeout)
	})
	defer timer.Stop()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			vm.Interrupt(ctx.Err())
		}
	}()

	_, err = vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if v, ok := interrupted.Value().(error); ok {
				return fmt.Errorf("script %s: %w", name, v)
			}
			return fmt.Errorf("script %s interrupted: %w", name, coord.ErrScriptTimeout)
		}
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

// EvalFilter evaluates a boolean filter expression against a document
// bound as the global `doc`. Filters get a short fixed budget; a filter
// is a predicate, not a program.
func (s *Sandbox) EvalFilter(ctx context.Context, expr string, doc map[string]any) (bool, error) {
	vm := goja.New()
	if err := vm.Set("doc", doc); err != nil {
		return false, err
	}

	timer := time.AfterFunc(time.Second, func() {
		vm.Interrupt(coord.ErrScriptTimeout)
	})
	defer timer.Stop()

	v, err := vm.RunString(expr)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, fmt.Errorf("filter expression: %w", coord.ErrScriptTimeout)
		}
		return false, fmt.Errorf("filter expression: %w", err)
	}
	return v.ToBoolean(), nil
}

// ── capability API ──

// install binds the capability globals. The script sees exactly three:
// $http scoped to the base URL, $log, and $now.
func (s *Sandbox) install(ctx context.Context, vm *goja.Runtime, name string) {
	logger := s.logger.With(slog.String("script", name))
	_ = vm.Set("$log", map[string]any{
		"debug": func(msg string) { logger.Debug(msg) },
		"info":  func(msg string) { logger.Info(msg) },
		"warn":  func(msg string) { logger.Warn(msg) },
		"error": func(msg string) { logger.Error(msg) },
	})

	_ = vm.Set("$now", func() string {
		return time.Now().UTC().Format(time.RFC3339)
	})

	_ = vm.Set("$http", map[string]any{
		"get": func(path string) (map[string]any, error) {
			return s.request(ctx, http.MethodGet, path, nil)
		},
		"post": func(path string, body map[string]any) (map[string]any, error) {
			return s.request(ctx, http.MethodPost, path, body)
		},
		"put": func(path string, body map[string]any) (map[string]any, error) {
			return s.request(ctx, http.MethodPut, path, body)
		},
		"patch": func(path string, body map[string]any) (map[string]any, error) {
			return s.request(ctx, http.MethodPatch, path, body)
		},
		"delete": func(path string) (map[string]any, error) {
			return s.request(ctx, http.MethodDelete, path, nil)
		},
	})
}

// request performs one scoped HTTP call on behalf of the script. Only
// relative paths are accepted; the base URL is not escapable.
func (s *Sandbox) request(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	if u, err := url.Parse(path); err != nil || u.IsAbs() || u.Host != "" {
		return nil, fmt.Errorf("script http: path %q must be relative", path)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	result := map[string]any{"status": resp.StatusCode}
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		result["body"] = parsed
	} else {
		result["body"] = string(raw)
	}
	return result, nil
}
