package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxRequestSize bounds a command line.
const maxRequestSize = 4096

// replyTimeout bounds writing a reply to a client.
const replyTimeout = 5 * time.Second

// Serve accepts command connections until ctx is cancelled or a quit
// command has been executed. Each connection carries one command line
// and receives one reply before it is closed. Serve waits for replies in
// flight before returning.
func (d *Daemon) Serve(ctx context.Context) error {
	if d.listener == nil {
		return errors.New("daemon: Serve called before Start")
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-d.quit:
		}
		d.listener.Close() //nolint:errcheck // Unblocks Accept
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-d.quit:
			default:
				if !errors.Is(err, net.ErrClosed) {
					d.conns.Wait()
					return fmt.Errorf("accepting command connection: %w", err)
				}
			}
			d.conns.Wait()
			return nil
		}

		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads one line, executes it and writes the reply.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	requestID := uuid.NewString()
	remote := conn.RemoteAddr().String()

	if err := conn.SetReadDeadline(time.Now().Add(d.cfg.GetRequestTimeout())); err != nil {
		d.logger.Warn("setting read deadline failed", "request_id", requestID, "error", err)
		return
	}
	line, err := bufio.NewReader(io.LimitReader(conn, maxRequestSize)).ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		d.logger.Warn("reading command failed", "request_id", requestID, "remote", remote, "error", err)
		return
	}
	line = strings.TrimSpace(line)

	d.logger.Info("command received", "request_id", requestID, "remote", remote, "command", line)
	start := time.Now()
	reply, quit := d.Execute(ctx, line)
	d.logger.Debug("command completed", "request_id", requestID, "duration", time.Since(start))

	if err := conn.SetWriteDeadline(time.Now().Add(replyTimeout)); err == nil {
		if _, err := io.WriteString(conn, reply); err != nil {
			d.logger.Warn("writing reply failed", "request_id", requestID, "remote", remote, "error", err)
		}
	}

	if quit {
		d.requestQuit()
	}
}
