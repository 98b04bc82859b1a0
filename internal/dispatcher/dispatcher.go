// Package dispatcher implements the long-lived control-plane process (spec
// §4.8/C9): it accepts LAUNCH_BACKTEST requests, allocates an opaque
// backtest_id, opens the requested datastore source, constructs a session
// controller, and runs it on its own goroutine bound to its own IPC socket.
//
// Grounded on the teacher's internal/engine/engine.go Engine: New → Start →
// Stop lifecycle, a registry of live per-job goroutines behind a mutex
// (slots map[string]*marketSlot / sessions map[string]*sessionSlot),
// and the same "never touch the child's internal state directly" separation
// of concerns Engine keeps from Maker/Inventory.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/backtest/replay-engine/internal/config"
	"github.com/backtest/replay-engine/internal/dashboard"
	"github.com/backtest/replay-engine/internal/datastore"
	"github.com/backtest/replay-engine/internal/datastore/httpstore"
	"github.com/backtest/replay-engine/internal/datastore/memstore"
	"github.com/backtest/replay-engine/internal/feed"
	"github.com/backtest/replay-engine/internal/metrics"
	"github.com/backtest/replay-engine/internal/session"
)

// sessionSlot is one running backtest session: its controller plus the
// cancel func for its serving goroutine.
type sessionSlot struct {
	controller *session.Controller
	cancel     context.CancelFunc
	socketPath string
}

// Dispatcher is the control-plane process. It never touches a session's
// Account/OrderList state directly — only wires a Controller up and hands
// it its own goroutine and socket, same as Engine never reaching into
// Maker's book/inventory.
type Dispatcher struct {
	cfg    config.Config
	logger *slog.Logger

	sessions   map[string]*sessionSlot
	sessionsMu sync.RWMutex

	dashboardHub *dashboard.Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Dispatcher from config.
func New(cfg config.Config, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		sessions: make(map[string]*sessionSlot),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetDashboardHub wires an optional dashboard hub; when set, session
// lifecycle events are broadcast to every connected dashboard client.
func (d *Dispatcher) SetDashboardHub(hub *dashboard.Hub) { d.dashboardHub = hub }

// ActiveSessions implements dashboard.SessionProvider.
func (d *Dispatcher) ActiveSessions() []string {
	d.sessionsMu.RLock()
	defer d.sessionsMu.RUnlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) broadcast(eventType, backtestID string) {
	if d.dashboardHub == nil {
		return
	}
	d.dashboardHub.BroadcastEvent(dashboard.Event{Type: eventType, BacktestID: backtestID})
}

// Serve binds the dispatcher's own control-endpoint Unix domain socket and
// serves LAUNCH_BACKTEST requests until ctx is canceled (spec §6's
// "dispatcher's own control endpoint reuses the same transport").
func (d *Dispatcher) Serve(ctx context.Context) error {
	_ = os.Remove(d.cfg.Dispatcher.ListenAddr)
	ln, err := newUnixListener(d.cfg.Dispatcher.ListenAddr)
	if err != nil {
		return fmt.Errorf("dispatcher: bind %s: %w", d.cfg.Dispatcher.ListenAddr, err)
	}
	defer os.Remove(d.cfg.Dispatcher.ListenAddr)
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatcher: accept: %w", err)
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveControlConn(ctx, conn)
		}()
	}
}

func (d *Dispatcher) serveControlConn(ctx context.Context, conn controlConn) {
	defer conn.Close()
	for {
		frame, ok := conn.ReadFrame()
		if !ok {
			return
		}
		reply := d.handleControlFrame(ctx, frame)
		if !conn.WriteFrame(reply) {
			return
		}
	}
}

func (d *Dispatcher) handleControlFrame(ctx context.Context, frame string) string {
	const prefix = "LAUNCH_BACKTEST"
	if !strings.HasPrefix(frame, prefix) {
		return errEnvelope("unrecognized command")
	}

	var cfg BtConfig
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, prefix)), &cfg); err != nil {
		return errEnvelope(fmt.Sprintf("malformed BtConfig: %v", err))
	}

	backtestID, err := d.launch(ctx, cfg)
	if err != nil {
		return errEnvelope(err.Error())
	}
	return okEnvelope(backtestID)
}

// launch allocates a backtest_id, opens the requested datastore source,
// builds a feed + session.Controller, primes it, and serves it on its own
// goroutine and socket. Returns the freshly allocated backtest_id.
func (d *Dispatcher) launch(ctx context.Context, cfg BtConfig) (string, error) {
	backtestID := "bt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	source, err := d.openSource(cfg)
	if err != nil {
		return "", fmt.Errorf("open datastore: %w", err)
	}

	f, err := feed.New(ctx, source, cfg.Exchanges, cfg.Symbol, cfg.StartTime, cfg.EndTime, d.cfg.Defaults.PageLimit)
	if err != nil {
		return "", fmt.Errorf("build feed: %w", err)
	}

	ctrl := session.New(session.Config{
		BacktestID: backtestID,
		Feed:       f,
		FillModel:  resolveFillModel(d.cfg.Defaults),
		Latency:    resolveLatencyModel(d.cfg.Defaults),
		TradesOn:   cfg.TradesOn,
		Balance:    cfg.Balance,
		Fee:        cfg.FeeRate.toLedgerFeeRate(),
		Logger:     d.logger,
	})

	if err := ctrl.Launch(ctx); err != nil {
		return "", fmt.Errorf("launch session: %w", err)
	}

	socketPath := filepath.Join(d.cfg.Dispatcher.SocketDir, backtestID+".ipc")
	sessionCtx, cancel := context.WithCancel(d.ctx)

	d.sessionsMu.Lock()
	d.sessions[backtestID] = &sessionSlot{controller: ctrl, cancel: cancel, socketPath: socketPath}
	d.sessionsMu.Unlock()

	metrics.SessionsActive.Inc()
	metrics.SessionsLaunched.Inc()
	d.broadcast("launched", backtestID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.removeSession(backtestID)
		defer metrics.SessionsActive.Dec()
		defer d.broadcast("closed", backtestID)
		if err := ctrl.Serve(sessionCtx, socketPath); err != nil {
			d.logger.Error("session serve failed", "backtest_id", backtestID, "error", err)
		}
	}()

	d.logger.Info("session launched", "backtest_id", backtestID, "symbol", cfg.Symbol, "socket", socketPath)
	return backtestID, nil
}

func (d *Dispatcher) removeSession(backtestID string) {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	delete(d.sessions, backtestID)
}

func (d *Dispatcher) openSource(cfg BtConfig) (datastore.Source, error) {
	switch d.cfg.Datastore.Kind {
	case "http":
		return httpstore.New(httpstore.Config{
			BaseURL:    d.cfg.Datastore.BaseURL,
			Timeout:    d.cfg.Datastore.Timeout,
			RetryCount: d.cfg.Datastore.RetryCount,
			RetryWait:  d.cfg.Datastore.RetryWait,
		}), nil
	default:
		dir := d.cfg.Datastore.Dir
		if cfg.Source.FilePath != "" {
			dir = cfg.Source.FilePath
		}
		return loadMemSource(dir, cfg)
	}
}

// loadMemSource builds a memstore.Source from per-exchange depth/trade CSV
// fixtures named "<table>_<symbol>_depth.csv" / "_trade.csv" under dir.
// Missing files are tolerated (an exchange/symbol pair may only have depth
// data, for instance); a read error on an existing file is not.
func loadMemSource(dir string, cfg BtConfig) (*memstore.Source, error) {
	src := memstore.New()
	for _, ex := range cfg.Exchanges {
		depthPath := filepath.Join(dir, fmt.Sprintf("%s_%s_depth.csv", ex.TableName(), cfg.Symbol))
		if _, err := os.Stat(depthPath); err == nil {
			if err := memstore.LoadDepthCSV(src, depthPath, ex, cfg.Symbol); err != nil {
				return nil, err
			}
		}
		tradePath := filepath.Join(dir, fmt.Sprintf("%s_%s_trade.csv", ex.TableName(), cfg.Symbol))
		if _, err := os.Stat(tradePath); err == nil {
			if err := memstore.LoadTradeCSV(src, tradePath, ex, cfg.Symbol); err != nil {
				return nil, err
			}
		}
	}
	return src, nil
}

// Stop cancels every running session and waits for their goroutines to
// exit. It does not close the control-endpoint listener; Serve closes that
// when its own ctx is canceled (spec §10's
// "draining active sessions before exit", generalized from the teacher's
// single-engine Stop to a registry of sessions).
func (d *Dispatcher) Stop() {
	d.logger.Info("shutting down...")
	d.cancel()

	d.sessionsMu.RLock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.sessionsMu.RUnlock()
	for _, id := range ids {
		d.logger.Info("draining session", "backtest_id", id)
	}

	d.wg.Wait()
	d.logger.Info("shutdown complete")
}

func okEnvelope(message string) string  { return envelope("ok", message) }
func errEnvelope(message string) string { return envelope("error", message) }

func envelope(status, message string) string {
	b, err := json.Marshal(struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}{status, message})
	if err != nil {
		return `{"status":"error","message":"internal encoding failure"}`
	}
	return string(b)
}
