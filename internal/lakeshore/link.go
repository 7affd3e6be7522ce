package lakeshore

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// terminator ends every message in both directions.
	terminator = "\r\n"

	// DefaultCommandRate is how many messages per second are sent to the controller.
	// The Model 336 drops characters when commands arrive back to back.
	DefaultCommandRate = 20

	// maxReplyLen bounds a single reply line.
	maxReplyLen = 256
)

// link is one TCP connection to the controller. It is not safe for
// concurrent use; Session serialises access to it.
type link struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	limiter *rate.Limiter
}

// dial opens a link to address, bounded by timeout.
func dial(ctx context.Context, address string, timeout time.Duration, limiter *rate.Limiter) (*link, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrDeviceUnavailable, address, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true) //nolint:errcheck // latency hint only
	}

	return &link{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, maxReplyLen),
		timeout: timeout,
		limiter: limiter,
	}, nil
}

// deadline returns the earlier of now+timeout and the context deadline.
func (l *link) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(l.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

// write sends one message. A context that ends before anything was sent
// is reported as is; every later error is an I/O error.
func (l *link) write(ctx context.Context, msg string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting to send %q: %w", msg, err)
	}
	if err := l.conn.SetWriteDeadline(l.deadline(ctx)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrDeviceUnavailable, err)
	}
	if _, err := l.conn.Write([]byte(msg + terminator)); err != nil {
		return fmt.Errorf("%w: write %q: %w", ErrDeviceUnavailable, msg, err)
	}
	return nil
}

// readLine reads one reply with trailing whitespace stripped.
func (l *link) readLine(ctx context.Context) (string, error) {
	if err := l.conn.SetReadDeadline(l.deadline(ctx)); err != nil {
		return "", fmt.Errorf("%w: set read deadline: %w", ErrDeviceUnavailable, err)
	}
	line, err := l.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: read: %w", ErrDeviceUnavailable, err)
	}
	return strings.TrimRight(line, " \t\r\n"), nil
}

// query sends msg and returns the single reply line.
func (l *link) query(ctx context.Context, msg string) (string, error) {
	if err := l.write(ctx, msg); err != nil {
		return "", err
	}
	reply, err := l.readLine(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", msg, err)
	}
	return reply, nil
}

func (l *link) close() error {
	return l.conn.Close()
}
