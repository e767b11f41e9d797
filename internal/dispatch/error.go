package dispatch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/xapi-storage/storage-scriptd/internal/rpcscript"
)

// Error is the tagged-union wire error crossing the RPC boundary, per
// spec.md §7 and §9's note to model it as a tagged union rather than an
// exception hierarchy.
type Error struct {
	Code          string   `json:"code"`
	Params        []string `json:"params"`
	Backtrace     []string `json:"backtrace"`
	CorrelationID uuid.UUID `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Params)
}

const (
	CodeMissingURI          = "MISSING_URI"
	CodeSRNotAttached       = "SR_NOT_ATTACHED"
	CodeScriptMissing       = "SCRIPT_MISSING"
	CodeScriptNotExecutable = "SCRIPT_NOT_EXECUTABLE"
	CodeScriptFailed        = "SCRIPT_FAILED"
	CodeUnimplemented       = "UNIMPLEMENTED"
)

func newError(code string, correlation uuid.UUID, params ...string) *Error {
	return &Error{Code: code, Params: params, CorrelationID: correlation}
}

// errMissingURI builds the MISSING_URI error for a volume with no
// usable datapath candidate.
func errMissingURI(correlation uuid.UUID, volumeKey string) *Error {
	return newError(CodeMissingURI, correlation, volumeKey)
}

// errSRNotAttached builds the SR_NOT_ATTACHED error for an SMAPIv2
// handle absent from the Attached-SR Index.
func errSRNotAttached(correlation uuid.UUID, handle string) *Error {
	return newError(CodeSRNotAttached, correlation, handle)
}

// errUnimplemented builds the UNIMPLEMENTED error for an unrecognized
// RPC method name.
func errUnimplemented(correlation uuid.UUID, method string) *Error {
	return newError(CodeUnimplemented, correlation, method)
}

// fromScriptResult translates a script invocation outcome into a
// dispatch.Error, per spec.md §4.1/§7's encoding rules. Returns nil if
// the invocation succeeded.
func fromScriptResult(result rpcscript.Result, runErr error) *Error {
	if runErr != nil {
		switch {
		default:
			return newError(CodeScriptFailed, result.CorrelationID, runErr.Error())
		}
	}
	switch result.Kind {
	case rpcscript.KindSuccess:
		return nil
	case rpcscript.KindBackendError:
		// Backend_error_with_backtrace per spec.md §7: the backend's own
		// code and params are surfaced unconflated, not wrapped in a
		// separate envelope code.
		return &Error{
			Code:          result.BackendError.Code,
			Params:        result.BackendError.Params,
			Backtrace:     result.BackendError.Backtrace,
			CorrelationID: result.CorrelationID,
		}
	case rpcscript.KindSignaled:
		return newError(CodeScriptFailed, result.CorrelationID, fmt.Sprintf("killed by signal %s", result.Signal))
	case rpcscript.KindUnparseable:
		return newError(CodeScriptFailed, result.CorrelationID, fmt.Sprintf("unparseable output, exit code %d, stderr: %s", result.ExitCode, result.Stderr))
	default:
		return newError(CodeScriptFailed, result.CorrelationID, "unknown result kind")
	}
}
