// Package rpcscript invokes a single backend script as a one-shot
// subprocess, following the JSON-RPC-over-stdio framing the teacher uses
// for long-lived plugin connections, but spawning a fresh process per call
// instead of keeping one alive, per spec.md §4.1.
package rpcscript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

// Kind tags the outcome of a script invocation, matching the four cases
// spec.md §4.1/§7 distinguishes: a parsed success (exit status 0), a
// parsed structured error, output that is not a usable reply (not JSON, or
// a non-zero exit without a structured error), and termination by signal.
type Kind int

const (
	KindSuccess Kind = iota
	KindBackendError
	KindUnparseable
	KindSignaled
)

// BackendError is the {code, params, backtrace} payload a script returns
// on failure, per spec.md §7.
type BackendError struct {
	Code      string   `json:"code"`
	Params    []string `json:"params"`
	Backtrace []string `json:"backtrace"`
}

func (e BackendError) Error() string {
	return fmt.Sprintf("backend error %s: %v", e.Code, e.Params)
}

// Result is the outcome of one script invocation. CorrelationID
// identifies this invocation; dispatch carries it on the Error it builds
// from a failed Result and logs it with the failed call.
type Result struct {
	Kind          Kind
	CorrelationID uuid.UUID
	Raw           json.RawMessage
	BackendError  BackendError
	Stderr        string
	Signal        syscall.Signal
	ExitCode      int
}

// ErrScriptMissing is returned when the resolved path does not exist.
var ErrScriptMissing = errors.New("script missing")

// ErrScriptNotExecutable is returned when the resolved path exists but is
// not a regular, executable file.
var ErrScriptNotExecutable = errors.New("script not executable")

// Exists reports whether path is a regular, executable file, without
// invoking it. Used by the capability probe (Query.query) to derive a
// plugin's feature list from what scripts are actually present on disk.
func Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Invoke spawns path with argv ["--json"], writes the JSON-encoded
// request to its stdin, and waits for it to exit. workDir is the plugin's
// own directory, matching the teacher's convention of running a plugin
// process from its install directory.
func Invoke(ctx context.Context, path, workDir string, request any) (Result, error) {
	id := uuid.New()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, fmt.Errorf("%s: %w", path, ErrScriptMissing)
		}
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return Result{}, fmt.Errorf("%s: %w", path, ErrScriptNotExecutable)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, "--json")
	cmd.Dir = workDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(path)
	}
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := Result{
		CorrelationID: id,
		Stderr:        stderr.String(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				result.Kind = KindSignaled
				result.Signal = status.Signal()
				return result, nil
			}
			result.ExitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("run %s: %w", path, runErr)
		}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		result.Kind = KindUnparseable
		return result, nil
	}

	var wireErr struct {
		Code      string   `json:"code"`
		Params    []string `json:"params"`
		Backtrace []string `json:"backtrace"`
	}
	if err := json.Unmarshal(out, &wireErr); err == nil && wireErr.Code != "" {
		result.Kind = KindBackendError
		result.BackendError = BackendError(wireErr)
		return result, nil
	}

	var anyValue any
	if err := json.Unmarshal(out, &anyValue); err != nil || result.ExitCode != 0 {
		result.Kind = KindUnparseable
		return result, nil
	}

	result.Kind = KindSuccess
	result.Raw = json.RawMessage(out)
	return result, nil
}

// Decode unmarshals a successful result's raw payload into v.
func Decode(r Result, v any) error {
	if r.Kind != KindSuccess {
		return fmt.Errorf("decode: result is not a success (kind=%d)", r.Kind)
	}
	return json.Unmarshal(r.Raw, v)
}
