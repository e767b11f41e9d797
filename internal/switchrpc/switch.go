// Package switchrpc models the message-switch external collaborator of
// spec.md §1/§6: an RPC fabric where a backend subscribes under a queue
// named after itself and receives requests addressed to that queue. Out
// of scope to reimplement a real message switch (it is named only as a
// contract), this package provides that contract plus an embedded-NATS
// implementation for standalone operation and tests, grounded on the
// teacher's eventbus.go and sdk/runtime.go.
package switchrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Switch is the message-switch contract: request/reply addressed by
// queue name (the plugin name), and pub/sub for metrics and events.
type Switch interface {
	// Request sends payload to queue and waits for one reply.
	Request(ctx context.Context, queue string, payload any, reply any) error
	// Handle registers h to answer every request sent to queue, until ctx
	// is canceled.
	Handle(ctx context.Context, queue string, h func(ctx context.Context, payload json.RawMessage) (any, error)) error
	// Publish fires and forgets payload onto subject.
	Publish(subject string, payload any) error
	// Close releases the switch's resources.
	Close()
}

// subjectPrefix namespaces plugin RPC subjects from the metrics/event
// subjects published on the same bus.
const subjectPrefix = "rpc."

func rpcSubject(queue string) string {
	return subjectPrefix + queue
}

// Embedded is a Switch backed by an in-process NATS server, the way the
// teacher's eventbus.go starts one for the NVR's plugin event bus.
type Embedded struct {
	log    *slog.Logger
	server *natsserver.Server
	conn   *nats.Conn
}

// NewEmbedded starts an embedded NATS server bound to an ephemeral local
// port and returns a Switch backed by it.
func NewEmbedded(log *slog.Logger) (*Embedded, error) {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // ephemeral
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded switch: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded switch did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded switch: %w", err)
	}

	return &Embedded{log: log, server: srv, conn: conn}, nil
}

// Close drains the connection and shuts down the embedded server.
func (e *Embedded) Close() {
	e.conn.Drain()
	e.server.Shutdown()
}

// Request implements Switch.
func (e *Embedded) Request(ctx context.Context, queue string, payload any, reply any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request to %s: %w", queue, err)
	}
	msg, err := e.conn.RequestWithContext(ctx, rpcSubject(queue), data)
	if err != nil {
		return fmt.Errorf("request to %s: %w", queue, err)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode reply from %s: %w", queue, err)
	}
	return nil
}

// Handle implements Switch. Registering multiple handlers for the same
// queue forms a NATS queue group, so only one handler answers each
// request — the "queue name = plugin name" rule of spec.md §6.
func (e *Embedded) Handle(ctx context.Context, queue string, h func(context.Context, json.RawMessage) (any, error)) error {
	sub, err := e.conn.QueueSubscribe(rpcSubject(queue), queue, func(msg *nats.Msg) {
		resp, err := h(ctx, msg.Data)
		if err != nil {
			resp = map[string]string{"error": err.Error()}
		}
		data, encErr := json.Marshal(resp)
		if encErr != nil {
			e.log.Error("encode switch reply", "queue", queue, "error", encErr)
			return
		}
		if err := msg.Respond(data); err != nil {
			e.log.Error("respond on switch", "queue", queue, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// Publish implements Switch.
func (e *Embedded) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode publish to %s: %w", subject, err)
	}
	return e.conn.Publish(subject, data)
}
