// Package postgres is a relational table-queue backend on pgx. Each queue is
// a table created on first use. A receive claims rows with a
// FOR UPDATE SKIP LOCKED selection so concurrent consumers never block each
// other on the same head-of-queue rows, stamping a lock token and a claim
// deadline; rows whose deadline passed are claimable again by the next
// receive. An acknowledge deletes the row only when the token still matches
// an unexpired claim.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

// Scheme is the DSN scheme this driver registers under.
const Scheme = "postgres"

// undefined_table, raised on first use of a queue
const sqlstateUndefinedTable = "42P01"

func init() {
	backend.Register(Scheme, func(conn *config.Conn) (backend.Interface, error) {
		return New(context.Background(), conn)
	})
}

// Backend is the table-queue driver.
type Backend struct {
	pool *pgxpool.Pool
}

// New connects a pool for the given parsed DSN.
func New(ctx context.Context, conn *config.Conn) (*Backend, error) {
	db := strings.TrimPrefix(conn.Path, "/")
	if db == "" {
		return nil, &contracts.ConfigError{Reason: "postgres DSN needs a database name"}
	}
	url := fmt.Sprintf("postgres://%s:%s@%s/%s", conn.Username, conn.Password, conn.Addr(5432), db)
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, &contracts.ConfigError{Reason: "connecting to postgres", Err: err}
	}
	return &Backend{pool: pool}, nil
}

// table maps a queue name to its backing table identifier. Queue names come
// from message type declarations, not user input, but quoting keeps odd
// names safe.
func table(queue string) string {
	return pgx.Identifier{"parcel_" + queue}.Sanitize()
}

func (b *Backend) createTable(ctx context.Context, queue string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		body BYTEA NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lock_token UUID,
		locked_until TIMESTAMPTZ,
		available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table(queue))
	_, err := b.pool.Exec(ctx, ddl)
	return err
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUndefinedTable
}

// retryMissingTable runs fn, creating the queue table and retrying once when
// the queue has never been used before.
func (b *Backend) retryMissingTable(ctx context.Context, queue string, fn func() error) error {
	err := fn()
	if err == nil || !isUndefinedTable(err) {
		return err
	}
	if err := b.createTable(ctx, queue); err != nil {
		return err
	}
	return fn()
}

// Send implements backend.Interface.
func (b *Backend) Send(ctx context.Context, queue string, body []byte, opts backend.SendOptions) (string, error) {
	sql := fmt.Sprintf(
		`INSERT INTO %s (body, available_at) VALUES ($1, now() + make_interval(secs => $2)) RETURNING id`,
		table(queue),
	)
	var id string
	err := b.retryMissingTable(ctx, queue, func() error {
		return b.pool.QueryRow(ctx, sql, body, opts.Delay.Seconds()).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("inserting message into %s: %w", queue, err)
	}
	return id, nil
}

// Receive implements backend.Interface. One lock token covers the whole
// batch; tokens are checked per (id, token) pair so this stays a one
// outstanding lock per message.
func (b *Backend) Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]backend.Delivery, error) {
	token := uuid.New().String()
	sql := fmt.Sprintf(`UPDATE %[1]s SET
			lock_token = $1,
			locked_until = now() + make_interval(secs => $2),
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE available_at <= now()
			  AND (lock_token IS NULL OR locked_until <= now())
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING id, body, attempts, enqueued_at`, table(queue))

	var out []backend.Delivery
	err := b.retryMissingTable(ctx, queue, func() error {
		out = nil
		rows, err := b.pool.Query(ctx, sql, token, lock.Seconds(), max)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d backend.Delivery
			if err := rows.Scan(&d.MessageID, &d.Body, &d.Attempts, &d.EnqueuedAt); err != nil {
				return err
			}
			d.LockToken = token
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claiming messages from %s: %w", queue, err)
	}
	return out, nil
}

// ExtendLock implements backend.Interface.
func (b *Backend) ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error {
	sql := fmt.Sprintf(
		`UPDATE %s SET locked_until = locked_until + make_interval(secs => $1)
		 WHERE id = $2 AND lock_token = $3 AND locked_until > now()`,
		table(queue),
	)
	tag, err := b.pool.Exec(ctx, sql, extra.Seconds(), messageID, lockToken)
	if err != nil {
		return fmt.Errorf("extending lock on %s: %w", queue, err)
	}
	if tag.RowsAffected() == 0 {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	return nil
}

// Ack implements backend.Interface.
func (b *Backend) Ack(ctx context.Context, queue, messageID, lockToken string) error {
	sql := fmt.Sprintf(
		`DELETE FROM %s WHERE id = $1 AND lock_token = $2 AND locked_until > now()`,
		table(queue),
	)
	tag, err := b.pool.Exec(ctx, sql, messageID, lockToken)
	if err != nil {
		return fmt.Errorf("acknowledging on %s: %w", queue, err)
	}
	if tag.RowsAffected() == 0 {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	return nil
}

// Release implements backend.Interface.
func (b *Backend) Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error {
	sql := fmt.Sprintf(
		`UPDATE %s SET
			lock_token = NULL,
			locked_until = NULL,
			available_at = now() + make_interval(secs => $1)
		 WHERE id = $2 AND lock_token = $3 AND locked_until > now()`,
		table(queue),
	)
	tag, err := b.pool.Exec(ctx, sql, delay.Seconds(), messageID, lockToken)
	if err != nil {
		return fmt.Errorf("releasing on %s: %w", queue, err)
	}
	if tag.RowsAffected() == 0 {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	return nil
}

// Count implements backend.Interface.
func (b *Backend) Count(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.retryMissingTable(ctx, queue, func() error {
		return b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table(queue))).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", queue, err)
	}
	return n, nil
}

// Clear implements backend.Interface.
func (b *Backend) Clear(ctx context.Context, queue string) error {
	err := b.retryMissingTable(ctx, queue, func() error {
		_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table(queue)))
		return err
	})
	if err != nil {
		return fmt.Errorf("clearing %s: %w", queue, err)
	}
	return nil
}

// Close implements backend.Interface.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
