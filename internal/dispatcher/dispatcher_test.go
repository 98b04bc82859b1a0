package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/backtest/replay-engine/internal/config"
)

func testDispatcher() *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.Config{
		Dispatcher: config.DispatcherConfig{SocketDir: "/tmp"},
		Datastore:  config.DatastoreConfig{Kind: "mem", Dir: "/tmp"},
		Defaults:   config.DefaultsConfig{PageLimit: 100},
	}, logger)
}

func TestHandleControlFrameRejectsUnrecognizedCommand(t *testing.T) {
	t.Parallel()

	d := testDispatcher()
	reply := d.handleControlFrame(context.Background(), "PING")

	var envelope struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(reply), &envelope); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if envelope.Status != "error" {
		t.Errorf("status = %q, want error", envelope.Status)
	}
}

func TestHandleControlFrameRejectsMalformedConfig(t *testing.T) {
	t.Parallel()

	d := testDispatcher()
	reply := d.handleControlFrame(context.Background(), "LAUNCH_BACKTEST{not json")

	var envelope struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(reply), &envelope); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if envelope.Status != "error" {
		t.Errorf("status = %q, want error", envelope.Status)
	}
	if !strings.Contains(envelope.Message, "malformed BtConfig") {
		t.Errorf("message = %q, want it to mention malformed BtConfig", envelope.Message)
	}
}

func TestActiveSessionsEmptyInitially(t *testing.T) {
	t.Parallel()

	d := testDispatcher()
	if got := d.ActiveSessions(); len(got) != 0 {
		t.Errorf("ActiveSessions() = %v, want empty", got)
	}
}
