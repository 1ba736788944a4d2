// Package amqpconn manages the AMQP broker connection for the amqp queue
// driver: one monitored connection that redials with backoff when the broker
// drops it, and hands out fresh channels on demand.
package amqpconn

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parcelmq/parcel-go/internal/reliability"
)

var (
	// ErrNotConnected is returned while the broker is unreachable.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")
)

// Manager holds the broker connection and redials when it drops.
type Manager struct {
	url    string
	logger *slog.Logger
	policy *reliability.ExponentialBackoff

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool
	closed    bool
	done      chan struct{}
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRedialPolicy sets the backoff between reconnection attempts.
func WithRedialPolicy(policy *reliability.ExponentialBackoff) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// Dial connects to the broker and starts the redial monitor.
func Dial(brokerURL string, options ...Option) (*Manager, error) {
	m := &Manager{
		url:    brokerURL,
		logger: slog.Default(),
		policy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 1<<30),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}

	conn, err := amqp.Dial(m.url)
	if err != nil {
		return nil, err
	}
	m.adopt(conn)
	return m, nil
}

// adopt installs a live connection and watches it for closure.
func (m *Manager) adopt(conn *amqp.Connection) {
	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	m.logger.Info("connected to broker", "url", sanitize(m.url))

	go func() {
		select {
		case err := <-notify:
			if err != nil {
				m.logger.Error("broker connection lost", "error", err)
			}
			m.mu.Lock()
			m.connected = false
			m.conn = nil
			m.mu.Unlock()
			m.redial()
		case <-m.done:
		}
	}()
}

// redial reconnects with backoff until it succeeds or the manager closes.
func (m *Manager) redial() {
	for attempt := 0; ; attempt++ {
		delay := m.policy.NextDelay(attempt)
		m.logger.Info("reconnecting to broker",
			"attempt", attempt+1,
			"delay", delay,
		)

		select {
		case <-m.done:
			return
		case <-time.After(delay):
		}

		conn, err := amqp.Dial(m.url)
		if err != nil {
			m.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}
		m.adopt(conn)
		return
	}
}

// Channel opens a channel on the current connection.
func (m *Manager) Channel(ctx context.Context) (*amqp.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if !m.connected || m.conn == nil || m.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return m.conn.Channel()
}

// Connected reports whether the broker is currently reachable.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.conn != nil && !m.conn.IsClosed()
}

// Close stops the redial monitor and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.done)
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

// sanitize strips credentials from the broker URL for logging.
func sanitize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
