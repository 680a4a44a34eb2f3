package databasesql

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/youssefsiam38/hivepg/driver"
)

// ErrListenerClosed is returned by listener operations after Close.
var ErrListenerClosed = errors.New("databasesql: listener is closed")

// Listener implements driver.Listener on top of pq.Listener, which maintains
// its own dedicated connection and reconnects automatically.
type Listener struct {
	pql    *pq.Listener
	mu     sync.Mutex
	closed bool
}

func newListener(connStr string) *Listener {
	return &Listener{
		pql: pq.NewListener(connStr, 10*time.Second, time.Minute, nil),
	}
}

// Listen starts listening on the specified channel.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	return l.pql.Listen(channel)
}

// Unlisten stops listening on the specified channel.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	return l.pql.Unlisten(channel)
}

// UnlistenAll stops listening on all channels.
func (l *Listener) UnlistenAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	return l.pql.UnlistenAll()
}

// WaitForNotification blocks until a notification arrives or the context is
// cancelled. Reconnect markers from pq (nil notifications) are skipped.
func (l *Listener) WaitForNotification(ctx context.Context) (*driver.Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case n, ok := <-l.pql.Notify:
			if !ok {
				return nil, ErrListenerClosed
			}
			if n == nil {
				// Connection was re-established; notifications may have
				// been lost in the gap, callers should reconcile.
				continue
			}
			return &driver.Notification{Channel: n.Channel, Payload: n.Extra}, nil
		}
	}
}

// Ping checks if the listener connection is healthy.
func (l *Listener) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	return l.pql.Ping()
}

// Close closes the listener connection.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.pql.Close()
}

// IsClosed returns true if the listener has been closed.
func (l *Listener) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Notifier implements driver.Notifier using database/sql.
type Notifier struct {
	db *sql.DB
}

// Notify sends a notification on the specified channel.
func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	_, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

// Compile-time checks
var (
	_ driver.Listener = (*Listener)(nil)
	_ driver.Notifier = (*Notifier)(nil)
)
