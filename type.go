package parcel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/consumer"
	"github.com/parcelmq/parcel-go/contracts"
	"github.com/parcelmq/parcel-go/internal/reliability"
)

const defaultLockDuration = 30 * time.Second

// Type is a named message type bound to one queue on one connection. The
// zero value is not usable; construct with NewType.
type Type struct {
	name       string
	queue      string
	schema     *contracts.Schema
	connection string
	logger     *slog.Logger
}

// TypeOption configures a Type.
type TypeOption func(*Type)

// WithQueue overrides the queue name, which defaults to the type name.
func WithQueue(queue string) TypeOption {
	return func(t *Type) {
		t.queue = queue
	}
}

// WithSchema declares the fields messages of this type carry. Sends with
// fields that do not validate are rejected.
func WithSchema(schema *contracts.Schema) TypeOption {
	return func(t *Type) {
		t.schema = schema
	}
}

// WithConnection binds the type to a named connection instead of the
// default one.
func WithConnection(name string) TypeOption {
	return func(t *Type) {
		t.connection = name
	}
}

// WithTypeLogger sets the logger.
func WithTypeLogger(logger *slog.Logger) TypeOption {
	return func(t *Type) {
		t.logger = logger
	}
}

// NewType declares a message type. The queue name defaults to name.
func NewType(name string, options ...TypeOption) (*Type, error) {
	if name == "" {
		return nil, errors.New("type name cannot be empty")
	}
	t := &Type{
		name:       name,
		queue:      name,
		connection: DefaultConnection,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Name returns the type name.
func (t *Type) Name() string { return t.name }

// QueueName returns the queue this type sends to, including the process-wide
// prefix when one is set.
func (t *Type) QueueName() string {
	conn, _ := connFor(t.connection)
	if prefix := queuePrefix(conn); prefix != "" {
		return prefix + "-" + t.queue
	}
	return t.queue
}

// Create builds a message of this type from fields and delivers it. A
// message has no identity until it is queued, so creating and sending are
// one operation.
func (t *Type) Create(ctx context.Context, fields map[string]any) (*contracts.Envelope, error) {
	return t.SendAfter(ctx, fields, 0)
}

// Send validates fields against the schema and delivers them to the queue.
// In disabled mode the message is logged and dropped; the returned envelope
// carries a minted id so callers cannot tell the difference.
func (t *Type) Send(ctx context.Context, fields map[string]any) (*contracts.Envelope, error) {
	return t.SendAfter(ctx, fields, 0)
}

// SendAfter is Send with a delivery delay: the message stays invisible to
// receives until the delay elapses.
func (t *Type) SendAfter(ctx context.Context, fields map[string]any, delay time.Duration) (*contracts.Envelope, error) {
	if err := t.schema.Validate(fields); err != nil {
		return nil, err
	}

	queue := t.QueueName()
	env := &contracts.Envelope{
		QueueName:  queue,
		Fields:     fields,
		EnqueuedAt: time.Now(),
	}

	if Disabled() {
		env.MessageID = uuid.New().String()
		t.logger.Warn("sending disabled, message dropped",
			"type", t.name,
			"queue", queue,
			"fieldCount", len(fields),
		)
		return env, nil
	}

	b, conn, err := backendFor(t.connection)
	if err != nil {
		return nil, err
	}
	cd, err := codecFor(conn)
	if err != nil {
		return nil, err
	}

	body, err := cd.Encode(fields)
	if err != nil {
		return nil, err
	}

	id, err := b.Send(ctx, queue, body, backend.SendOptions{Delay: delay})
	if err != nil {
		return nil, &contracts.SendError{Queue: queue, Err: err}
	}
	env.MessageID = id

	t.logger.Debug("message sent",
		"type", t.name,
		"queue", queue,
		"messageId", id,
		"delay", delay,
	)
	return env, nil
}

// Receive fetches and locks up to max messages. An empty queue returns an
// empty slice.
func (t *Type) Receive(ctx context.Context, max int) ([]*Message, error) {
	b, conn, err := backendFor(t.connection)
	if err != nil {
		return nil, err
	}
	cd, err := codecFor(conn)
	if err != nil {
		return nil, err
	}

	queue := t.QueueName()
	lock := defaultLockDuration
	if conn != nil {
		lock = conn.LockDuration(defaultLockDuration)
	}

	deliveries, err := b.Receive(ctx, queue, max, lock)
	if err != nil {
		return nil, err
	}

	msgs := make([]*Message, 0, len(deliveries))
	for _, d := range deliveries {
		fields, err := cd.Decode(d.Body)
		if err != nil {
			// keep the rest of the batch; the bad message sits out its lock
			// and redelivers, where a consumer loop can dead-letter it
			t.logger.Warn("skipping undecodable message",
				"queue", queue,
				"messageId", d.MessageID,
				"attempt", d.Attempts,
				"error", err,
			)
			continue
		}
		deadline := time.Now().Add(lock)
		msgs = append(msgs, &Message{
			Envelope: &contracts.Envelope{
				QueueName:          queue,
				Fields:             fields,
				MessageID:          d.MessageID,
				LockToken:          d.LockToken,
				EnqueuedAt:         d.EnqueuedAt,
				VisibilityDeadline: &deadline,
				AttemptCount:       d.Attempts,
			},
			backend: b,
			conn:    conn,
		})
	}
	return msgs, nil
}

// ReceiveOne fetches and locks a single message, or returns nil when the
// queue has nothing available.
func (t *Type) ReceiveOne(ctx context.Context) (*Message, error) {
	msgs, err := t.Receive(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// Count returns the number of messages in the queue, including delayed and
// in-flight ones where the backend can see them.
func (t *Type) Count(ctx context.Context) (int, error) {
	b, _, err := backendFor(t.connection)
	if err != nil {
		return 0, err
	}
	return b.Count(ctx, t.QueueName())
}

// Clear removes all messages from the queue.
func (t *Type) Clear(ctx context.Context) error {
	b, _, err := backendFor(t.connection)
	if err != nil {
		return err
	}
	return b.Clear(ctx, t.QueueName())
}

// Listen runs a consumption loop for this type's queue until ctx is
// cancelled, dispatching each message to handler.
func (t *Type) Listen(ctx context.Context, handler consumer.Handler, options ...consumer.Option) error {
	b, conn, err := backendFor(t.connection)
	if err != nil {
		return err
	}
	cd, err := codecFor(conn)
	if err != nil {
		return err
	}

	opts := []consumer.Option{consumer.WithLogger(t.logger)}
	if conn != nil {
		opts = append(opts,
			consumer.WithLockDuration(conn.LockDuration(defaultLockDuration)),
			consumer.WithReleaseBackoff(releaseBackoff(conn)),
		)
	}
	opts = append(opts, options...)

	c, err := consumer.New(b, cd, t.QueueName(), handler, opts...)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

// releaseBackoff builds the redelivery delay policy from the connection's
// max_timeout and backoff_multiplier options.
func releaseBackoff(conn *config.Conn) *reliability.ReleaseBackoff {
	def := reliability.DefaultReleaseBackoff()
	return &reliability.ReleaseBackoff{
		Multiplier: conn.BackoffMultiplier(def.Multiplier),
		MaxDelay:   conn.MaxTimeout(def.MaxDelay),
	}
}

// Message is one received, locked message. Its settlement methods are valid
// only while it is in flight; a settled or expired message fails with
// StateError or LockExpiredError.
type Message struct {
	Envelope *contracts.Envelope

	backend backend.Interface
	conn    *config.Conn
}

// Field returns a named payload field.
func (m *Message) Field(name string) (any, bool) {
	return m.Envelope.Field(name)
}

func (m *Message) requireInFlight(op string) error {
	if state := m.Envelope.State(); state != contracts.StateInFlight {
		return &contracts.StateError{Op: op, State: state}
	}
	return nil
}

// Acknowledge removes the message from the queue permanently.
func (m *Message) Acknowledge(ctx context.Context) error {
	if err := m.requireInFlight("acknowledge"); err != nil {
		return err
	}
	err := m.backend.Ack(ctx, m.Envelope.QueueName, m.Envelope.MessageID, m.Envelope.LockToken)
	if err != nil {
		return err
	}
	m.settle()
	return nil
}

// Release returns the message to the queue for another attempt, delayed by a
// backoff computed from how many times it has been delivered.
func (m *Message) Release(ctx context.Context) error {
	delay := reliability.DefaultReleaseBackoff().Delay(m.Envelope.AttemptCount)
	if m.conn != nil {
		delay = releaseBackoff(m.conn).Delay(m.Envelope.AttemptCount)
	}
	return m.ReleaseAfter(ctx, delay)
}

// ReleaseAfter returns the message to the queue with an explicit redelivery
// delay instead of the computed backoff.
func (m *Message) ReleaseAfter(ctx context.Context, delay time.Duration) error {
	if err := m.requireInFlight("release"); err != nil {
		return err
	}
	err := m.backend.Release(ctx, m.Envelope.QueueName, m.Envelope.MessageID, m.Envelope.LockToken, delay)
	if err != nil {
		return err
	}
	m.settle()
	return nil
}

// ExtendLock pushes the visibility deadline out by extra.
func (m *Message) ExtendLock(ctx context.Context, extra time.Duration) error {
	if err := m.requireInFlight("extend lock"); err != nil {
		return err
	}
	err := m.backend.ExtendLock(ctx, m.Envelope.QueueName, m.Envelope.MessageID, m.Envelope.LockToken, extra)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(extra)
	m.Envelope.VisibilityDeadline = &deadline
	return nil
}

// settle spends the lock token so further settlement calls fail fast.
func (m *Message) settle() {
	m.Envelope.LockToken = ""
	m.Envelope.VisibilityDeadline = nil
}
