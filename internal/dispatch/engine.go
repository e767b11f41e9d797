// Package dispatch implements the Operation Dispatch engine of
// spec.md §4.6: the method-routing table from manager RPC method name to
// backend script invocation, including the VDI.attach and clone-on-boot
// choreographies. Grounded on the teacher's rpc.go typed-call-wrapper
// style and loader.go's locking discipline.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xapi-storage/storage-scriptd/internal/datapath"
	"github.com/xapi-storage/storage-scriptd/internal/pathresolver"
	"github.com/xapi-storage/storage-scriptd/internal/rpcscript"
	"github.com/xapi-storage/storage-scriptd/internal/srindex"
)

// MetricRegistrar models the metric-registration service referenced only
// by contract in spec.md §1/§4.6: registering a backend's datasources for
// periodic sampling. The default implementation publishes onto the
// switch instead of adding an unrelated metrics dependency.
type MetricRegistrar interface {
	RegisterDatasources(handle string, uids []string) error
}

// NoopMetricRegistrar discards registrations; used in tests.
type NoopMetricRegistrar struct{}

// RegisterDatasources implements MetricRegistrar.
func (NoopMetricRegistrar) RegisterDatasources(string, []string) error { return nil }

// Engine routes inbound RPC calls to backend scripts and runs the
// VDI.attach / clone-on-boot choreographies of spec.md §4.6.
type Engine struct {
	log       *slog.Logger
	resolver  pathresolver.Resolver
	srIndex   *srindex.Index
	datapaths *datapath.Registry
	metrics   MetricRegistrar
}

// New builds an Engine.
func New(log *slog.Logger, resolver pathresolver.Resolver, srIndex *srindex.Index, datapaths *datapath.Registry, metrics MetricRegistrar) *Engine {
	if metrics == nil {
		metrics = NoopMetricRegistrar{}
	}
	return &Engine{
		log:       log,
		resolver:  resolver,
		srIndex:   srIndex,
		datapaths: datapaths,
		metrics:   metrics,
	}
}

// Dispatch routes method to its handler, decoding params from raw and
// encoding the result back to JSON. Unknown methods yield UNIMPLEMENTED
// per spec.md §4.6.
func (e *Engine) Dispatch(ctx context.Context, method string, raw json.RawMessage) (json.RawMessage, *Error) {
	correlation := uuid.New()
	h, ok := methodTable[method]
	if !ok {
		return nil, errUnimplemented(correlation, method)
	}
	result, dispErr := h(ctx, e, correlation, raw)
	if dispErr != nil {
		e.log.Warn("rpc call failed", "method", method, "correlation_id", correlation, "error_correlation_id", dispErr.CorrelationID, "code", dispErr.Code)
		return nil, dispErr
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, newError(CodeScriptFailed, correlation, fmt.Sprintf("encode result: %v", err))
	}
	return encoded, nil
}

type handlerFunc func(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error)

func decodeParams[T any](raw json.RawMessage, correlation uuid.UUID) (T, *Error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, newError(CodeScriptFailed, correlation, fmt.Sprintf("decode params: %v", err))
	}
	return v, nil
}

// callVolume invokes the named operation of a volume plugin script and
// translates the outcome into a dispatch.Error on failure.
func (e *Engine) callVolume(ctx context.Context, correlation uuid.UUID, plugin, operation string, request any, reply any) *Error {
	script := e.resolver.VolumeScript(plugin, operation)
	result, err := rpcscript.Invoke(ctx, script, e.resolver.VolumeDir(plugin), request)
	if scriptErr := classifyInvokeErr(err, correlation); scriptErr != nil {
		return scriptErr
	}
	if dispErr := fromScriptResult(result, err); dispErr != nil {
		return dispErr
	}
	if reply != nil {
		if err := rpcscript.Decode(result, reply); err != nil {
			return newError(CodeScriptFailed, result.CorrelationID, fmt.Sprintf("decode reply: %v", err))
		}
	}
	return nil
}

// callDatapath invokes the named operation of a datapath plugin script.
func (e *Engine) callDatapath(ctx context.Context, correlation uuid.UUID, name, operation string, request any, reply any) *Error {
	script := e.resolver.DatapathScript(name, operation)
	result, err := rpcscript.Invoke(ctx, script, e.resolver.DatapathDir(name), request)
	if scriptErr := classifyInvokeErr(err, correlation); scriptErr != nil {
		return scriptErr
	}
	if dispErr := fromScriptResult(result, err); dispErr != nil {
		return dispErr
	}
	if reply != nil {
		if err := rpcscript.Decode(result, reply); err != nil {
			return newError(CodeScriptFailed, result.CorrelationID, fmt.Sprintf("decode reply: %v", err))
		}
	}
	return nil
}

func classifyInvokeErr(err error, correlation uuid.UUID) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpcscript.ErrScriptMissing):
		return newError(CodeScriptMissing, correlation, err.Error())
	case errors.Is(err, rpcscript.ErrScriptNotExecutable):
		return newError(CodeScriptNotExecutable, correlation, err.Error())
	default:
		return newError(CodeScriptFailed, correlation, err.Error())
	}
}

// epochNow returns the current UTC time. No code in this package calls it
// at present.
var epochNow = func() time.Time { return time.Now().UTC() }
