package logring

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTeeHandlerForwards(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	logger := slog.New(handler)
	logger.Info("tunnel opened", "client_ip", "100.64.0.1")

	// Check inner handler received it
	if !strings.Contains(buf.String(), "tunnel opened") {
		t.Errorf("inner handler did not receive message, got: %s", buf.String())
	}

	// Check ring buffer captured it
	entries := ring.Entries(0, slog.LevelDebug, time.Time{})
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if entries[0].Message != "tunnel opened" {
		t.Errorf("ring entry message = %q, want %q", entries[0].Message, "tunnel opened")
	}
	if entries[0].Level != slog.LevelInfo {
		t.Errorf("ring entry level = %v, want %v", entries[0].Level, slog.LevelInfo)
	}
	if v, ok := entries[0].Attrs["client_ip"]; !ok || v != "100.64.0.1" {
		t.Errorf("ring entry attrs[client_ip] = %v, want %q", v, "100.64.0.1")
	}
}

func TestTeeHandlerEnabled(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("should not be enabled for Debug when inner is Warn")
	}
	if !handler.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("should be enabled for Warn")
	}
}

func TestTeeHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "pool")}))
	logger.Info("acquire")

	entries := ring.Entries(0, slog.LevelDebug, time.Time{})
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if v, ok := entries[0].Attrs["component"]; !ok || v != "pool" {
		t.Errorf("attrs[component] = %v, want %q", v, "pool")
	}
}

func TestTeeHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	logger := slog.New(handler.WithGroup("req"))
	logger.Info("test", "method", "GET")

	entries := ring.Entries(0, slog.LevelDebug, time.Time{})
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if v, ok := entries[0].Attrs["req.method"]; !ok || v != "GET" {
		t.Errorf("attrs[req.method] = %v, want %q", v, "GET")
	}
}
