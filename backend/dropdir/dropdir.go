// Package dropdir is a local filesystem backend: one file per message in a
// per-queue directory, great for development and for passing work between
// processes on one machine.
//
// A ready message lives at <queue>/<availableAtNanos>-<attempts>-<enqueuedAtNanos>-<id>.msg.
// A receive claims it by atomically renaming it into <queue>/inflight/ and
// stamping the file's mtime with the visibility deadline; the rename is the
// mutual exclusion, so exactly one claimant wins. A sibling process can
// recover expired locks by scanning inflight/ for files whose mtime has
// passed and renaming them back into the queue directory.
package dropdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

// Scheme is the DSN scheme this driver registers under.
const Scheme = "dropdir"

const (
	suffix      = ".msg"
	inflightDir = "inflight"
)

func init() {
	backend.Register(Scheme, func(conn *config.Conn) (backend.Interface, error) {
		dir := conn.Host + conn.Path
		if dir == "" {
			return nil, &contracts.ConfigError{Reason: "dropdir DSN needs a directory path"}
		}
		return New(dir)
	})
}

// Backend is the drop-folder driver.
type Backend struct {
	root    string
	now     func() time.Time
	chtimes func(name string, atime, mtime time.Time) error
}

// New creates a drop-folder backend rooted at dir, creating it if needed.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &contracts.ConfigError{Reason: fmt.Sprintf("creating drop directory %q", dir), Err: err}
	}
	return &Backend{root: dir, now: time.Now, chtimes: os.Chtimes}, nil
}

func (b *Backend) queueDir(queue string) string {
	return filepath.Join(b.root, queue)
}

func (b *Backend) ensure(queue string) error {
	return os.MkdirAll(filepath.Join(b.queueDir(queue), inflightDir), 0o755)
}

// ready file name: <availableAtNanos>-<attempts>-<enqueuedAtNanos>-<id>.msg
func readyName(availableAt time.Time, attempts int, enqueuedAt time.Time, id string) string {
	return fmt.Sprintf("%020d-%d-%d-%s%s", availableAt.UnixNano(), attempts, enqueuedAt.UnixNano(), id, suffix)
}

// inflight file name: <attempts>-<enqueuedAtNanos>-<id>.msg; the visibility
// deadline lives in the file mtime so ExtendLock does not invalidate the
// token (which is this file name).
func inflightName(attempts int, enqueuedAt time.Time, id string) string {
	return fmt.Sprintf("%d-%d-%s%s", attempts, enqueuedAt.UnixNano(), id, suffix)
}

type meta struct {
	availableAt time.Time
	attempts    int
	enqueuedAt  time.Time
	id          string
}

func parseReady(name string) (meta, bool) {
	parts := strings.SplitN(strings.TrimSuffix(name, suffix), "-", 4)
	if !strings.HasSuffix(name, suffix) || len(parts) != 4 {
		return meta{}, false
	}
	avail, err1 := strconv.ParseInt(parts[0], 10, 64)
	attempts, err2 := strconv.Atoi(parts[1])
	enq, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return meta{}, false
	}
	return meta{
		availableAt: time.Unix(0, avail),
		attempts:    attempts,
		enqueuedAt:  time.Unix(0, enq),
		id:          parts[3],
	}, true
}

func parseInflight(name string) (meta, bool) {
	parts := strings.SplitN(strings.TrimSuffix(name, suffix), "-", 3)
	if !strings.HasSuffix(name, suffix) || len(parts) != 3 {
		return meta{}, false
	}
	attempts, err1 := strconv.Atoi(parts[0])
	enq, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return meta{}, false
	}
	return meta{attempts: attempts, enqueuedAt: time.Unix(0, enq), id: parts[2]}, true
}

// Send implements backend.Interface.
func (b *Backend) Send(ctx context.Context, queue string, body []byte, opts backend.SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.ensure(queue); err != nil {
		return "", err
	}
	now := b.now()
	id := uuid.New().String()
	name := readyName(now.Add(opts.Delay), 0, now, id)

	// Write to a temp name first so a concurrent receive never observes a
	// half-written message.
	dir := b.queueDir(queue)
	tmp := filepath.Join(dir, "."+id+".tmp")
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return "", err
	}
	return id, nil
}

// Receive implements backend.Interface.
func (b *Backend) Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]backend.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.ensure(queue); err != nil {
		return nil, err
	}
	b.reclaimExpired(queue)

	dir := b.queueDir(queue)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	now := b.now()
	var out []backend.Delivery
	for _, name := range names {
		if len(out) >= max {
			break
		}
		m, ok := parseReady(name)
		if !ok || m.availableAt.After(now) {
			continue
		}

		token := inflightName(m.attempts+1, m.enqueuedAt, m.id)
		claimed := filepath.Join(dir, inflightDir, token)
		if err := os.Rename(filepath.Join(dir, name), claimed); err != nil {
			// another process got there first
			continue
		}
		deadline := now.Add(lock)
		if err := b.chtimes(claimed, deadline, deadline); err != nil {
			// without the deadline stamp the file's old mtime reads as an
			// expired lock and another consumer would reclaim it mid-flight,
			// so give the claim back and skip the delivery
			_ = os.Rename(claimed, filepath.Join(dir, name))
			continue
		}

		body, err := os.ReadFile(claimed)
		if err != nil {
			continue
		}
		out = append(out, backend.Delivery{
			MessageID:  m.id,
			LockToken:  token,
			Body:       body,
			Attempts:   m.attempts + 1,
			EnqueuedAt: m.enqueuedAt,
		})
	}
	return out, nil
}

// reclaimExpired renames in-flight files whose deadline passed back into the
// queue directory, making them immediately receivable again.
func (b *Backend) reclaimExpired(queue string) {
	dir := filepath.Join(b.queueDir(queue), inflightDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	now := b.now()
	for _, e := range entries {
		m, ok := parseInflight(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(now) {
			continue
		}
		ready := readyName(now, m.attempts, m.enqueuedAt, m.id)
		_ = os.Rename(filepath.Join(dir, e.Name()), filepath.Join(b.queueDir(queue), ready))
	}
}

// ExtendLock implements backend.Interface by pushing the in-flight file's
// mtime further into the future.
func (b *Backend) ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(b.queueDir(queue), inflightDir, lockToken)
	info, err := os.Stat(path)
	if err != nil || info.ModTime().Before(b.now()) {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	deadline := info.ModTime().Add(extra)
	if err := b.chtimes(path, deadline, deadline); err != nil {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	return nil
}

// Ack implements backend.Interface.
func (b *Backend) Ack(ctx context.Context, queue, messageID, lockToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(b.queueDir(queue), inflightDir, lockToken)
	if info, err := os.Stat(path); err != nil || info.ModTime().Before(b.now()) {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	if err := os.Remove(path); err != nil {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	return nil
}

// Release implements backend.Interface.
func (b *Backend) Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, ok := parseInflight(lockToken)
	if !ok {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	path := filepath.Join(b.queueDir(queue), inflightDir, lockToken)
	if info, err := os.Stat(path); err != nil || info.ModTime().Before(b.now()) {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	ready := readyName(b.now().Add(delay), m.attempts, m.enqueuedAt, m.id)
	if err := os.Rename(path, filepath.Join(b.queueDir(queue), ready)); err != nil {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	return nil
}

// Count implements backend.Interface. In-flight messages are included, like
// the remote backends' approximate depth.
func (b *Backend) Count(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	for _, dir := range []string{b.queueDir(queue), filepath.Join(b.queueDir(queue), inflightDir)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
				count++
			}
		}
	}
	return count, nil
}

// Clear implements backend.Interface.
func (b *Backend) Clear(ctx context.Context, queue string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(b.queueDir(queue)); err != nil {
		return err
	}
	return b.ensure(queue)
}

// Close implements backend.Interface.
func (b *Backend) Close() error { return nil }
