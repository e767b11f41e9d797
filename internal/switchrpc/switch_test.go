package switchrpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestRequestReachesHandler(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw, err := NewEmbedded(log)
	if err != nil {
		t.Fatalf("NewEmbedded: %v", err)
	}
	defer sw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = sw.Handle(ctx, "mybackend", func(_ context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return map[string]string{"echo": req.Method}, nil
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var reply struct {
		Echo string `json:"echo"`
	}
	if err := sw.Request(ctx, "mybackend", map[string]string{"method": "Query.query"}, &reply); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Echo != "Query.query" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
