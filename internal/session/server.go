package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Socket timeouts from spec §5: a 100s receive timeout ends the session
// gracefully; heartbeats are approximated by the same per-read deadline
// since a Unix domain socket has no protocol-level heartbeat frame.
const (
	ReceiveTimeout = 100 * time.Second
)

// Serve binds a Unix domain socket at path and serves the per-session
// protocol (spec §6) until the peer sends CLOSE, the receive timeout
// elapses, or ctx is canceled. After a peer disconnects without CLOSE it
// accepts the next connection. The socket file is unlinked on return, matching
// "the socket endpoint file is created on bind and unlinked on disconnect"
// (spec §5).
func (c *Controller) Serve(ctx context.Context, path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("session %s: bind %s: %w", c.BacktestID, path, err)
	}
	defer os.Remove(path)
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("session %s: accept: %w", c.BacktestID, err)
		}

		closed := c.serveConn(ctx, conn)
		conn.Close()
		if closed || c.state == Closed {
			return nil
		}
	}
}

// serveConn reads newline-delimited frames from one connection, dispatches
// each to HandleFrame, and writes the newline-delimited reply. Returns true
// once an explicit CLOSE is received, the receive timeout elapses, or the
// write side failed while already Closed. Reaching end-of-tape (Finished) does *not* end the
// connection: the client must still be able to send further TICKs over
// this same socket and observe ErrNotRunning (spec §7, scenario 6), so the
// loop keeps reading until the peer disconnects or the receive timeout
// elapses.
func (c *Controller) serveConn(ctx context.Context, conn net.Conn) bool {
	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(ReceiveTimeout)); err != nil {
			c.log.Warn("set read deadline failed", "backtest_id", c.BacktestID, "error", err)
		}

		if !reader.Scan() {
			var ne net.Error
			return errors.As(reader.Err(), &ne) && ne.Timeout()
		}
		frame := reader.Text()
		if frame == "" {
			continue
		}

		reply := c.HandleFrame(ctx, frame)
		if _, err := conn.Write(append([]byte(reply), '\n')); err != nil {
			c.log.Warn("write reply failed", "backtest_id", c.BacktestID, "error", err)
			return c.state == Closed
		}

		if c.state == Closed {
			return true
		}
	}
}
