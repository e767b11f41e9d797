package logging

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestRingBufferCapturesRecords(t *testing.T) {
	buf := NewRingBuffer(4)
	handler := NewHandler(slog.NewTextHandler(io.Discard, nil), buf)
	log := slog.New(handler)

	log.Info("hello", "plugin", "blkback")

	recent := buf.Recent()
	if len(recent) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(recent))
	}
	if recent[0].Message != "hello" || recent[0].Attrs["plugin"] != "blkback" {
		t.Fatalf("unexpected entry: %+v", recent[0])
	}
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	buf := NewRingBuffer(2)
	handler := NewHandler(slog.NewTextHandler(io.Discard, nil), buf)
	log := slog.New(handler)

	log.Info("one")
	log.Info("two")
	log.Info("three")

	recent := buf.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries after wrap, got %d", len(recent))
	}
	if recent[0].Message != "two" || recent[1].Message != "three" {
		t.Fatalf("expected oldest-to-newest order after wrap, got %+v", recent)
	}
}

func TestSubscribeReceivesNewEntries(t *testing.T) {
	buf := NewRingBuffer(4)
	handler := NewHandler(slog.NewTextHandler(io.Discard, nil), buf)
	log := slog.New(handler)

	ch := buf.Subscribe()
	defer buf.Unsubscribe(ch)

	log.Log(context.Background(), slog.LevelWarn, "careful")

	entry := <-ch
	if entry.Message != "careful" || entry.Level != "WARN" {
		t.Fatalf("unexpected streamed entry: %+v", entry)
	}
}
