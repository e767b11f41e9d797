package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xapi-storage/storage-scriptd/internal/dispatch"
	"github.com/xapi-storage/storage-scriptd/internal/switchrpc"
)

// inboundQueue is the message-switch queue name the manager addresses to
// reach this daemon, per spec.md §6's "queue name = plugin name" rule
// applied to the daemon's own registration rather than to an individual
// backend (backend scripts are invoked directly as subprocesses, not
// over the switch; the switch here carries the manager-facing RPC
// surface and the metrics publications of dispatch.MetricRegistrar).
const inboundQueue = "storage-scriptd"

type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// registerDispatchOverSwitch binds the dispatch engine to the switch's
// inbound queue so manager RPC calls sent over the switch reach it.
func registerDispatchOverSwitch(ctx context.Context, sw switchrpc.Switch, engine *dispatch.Engine) error {
	return sw.Handle(ctx, inboundQueue, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		result, dispErr := engine.Dispatch(ctx, env.Method, env.Params)
		if dispErr != nil {
			return dispErr, nil
		}
		return json.RawMessage(result), nil
	})
}
