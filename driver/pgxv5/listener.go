package pgxv5

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/youssefsiam38/hivepg/driver"
)

// Listener implements driver.Listener over a dedicated connection acquired
// from the pool. The connection stays checked out until Close.
type Listener struct {
	conn   *pgxpool.Conn
	mu     sync.Mutex
	closed bool
}

// Listen starts listening on the specified channel.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return pgx.ErrTxClosed
	}
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

// Unlisten stops listening on the specified channel.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return pgx.ErrTxClosed
	}
	_, err := l.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

// UnlistenAll stops listening on all channels.
func (l *Listener) UnlistenAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return pgx.ErrTxClosed
	}
	_, err := l.conn.Exec(ctx, "UNLISTEN *")
	return err
}

// WaitForNotification blocks until a notification arrives on any subscribed
// channel or the context is cancelled.
func (l *Listener) WaitForNotification(ctx context.Context) (*driver.Notification, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, pgx.ErrTxClosed
	}
	conn := l.conn
	l.mu.Unlock()

	notification, err := conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &driver.Notification{
		Channel: notification.Channel,
		Payload: notification.Payload,
	}, nil
}

// Ping checks if the listener connection is healthy.
func (l *Listener) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return pgx.ErrTxClosed
	}
	return l.conn.Ping(ctx)
}

// Close releases the dedicated connection back to the pool.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.conn.Release()
	return nil
}

// IsClosed returns true if the listener has been closed.
func (l *Listener) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Notifier implements driver.Notifier using the connection pool.
type Notifier struct {
	pool *pgxpool.Pool
}

// Notify sends a notification on the specified channel.
func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	_, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

// Compile-time checks
var (
	_ driver.Listener = (*Listener)(nil)
	_ driver.Notifier = (*Notifier)(nil)
)
