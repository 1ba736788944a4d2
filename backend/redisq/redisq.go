// Package redisq is a lightweight streaming-broker backend on Redis streams.
// Each queue is a stream consumed through one consumer group: a receive is
// XREADGROUP for fresh entries plus XAUTOCLAIM for entries whose holder let
// them sit idle past the lock duration, an acknowledge is XACK+XDEL, and a
// release re-adds the entry with its delivery count carried in a field so
// the attempt count survives the requeue. Delayed messages wait in a sorted
// set scored by their availability time and are promoted into the stream by
// the next receive.
package redisq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

// Scheme is the DSN scheme this driver registers under.
const Scheme = "redis"

const (
	group = "parcel"

	fieldBody       = "body"
	fieldDeliveries = "deliveries"
	fieldEnqueued   = "enqueued"
)

func init() {
	backend.Register(Scheme, func(conn *config.Conn) (backend.Interface, error) {
		db := 0
		if p := strings.TrimPrefix(conn.Path, "/"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, &contracts.ConfigError{Reason: fmt.Sprintf("invalid redis DB index %q", p)}
			}
			db = n
		}
		client := redis.NewClient(&redis.Options{
			Addr:     conn.Addr(6379),
			Username: conn.Username,
			Password: conn.Password,
			DB:       db,
		})
		return New(client), nil
	})
}

// Backend is the Redis streams driver.
type Backend struct {
	client   *redis.Client
	consumer string

	mu     sync.Mutex
	groups map[string]bool
}

// New wraps an existing client. The backend registers itself in each queue's
// consumer group under a unique consumer name.
func New(client *redis.Client) *Backend {
	return &Backend{
		client:   client,
		consumer: "parcel-" + uuid.New().String(),
		groups:   make(map[string]bool),
	}
}

func stream(queue string) string  { return "parcel:{" + queue + "}" }
func delayed(queue string) string { return "parcel:{" + queue + "}:delayed" }

func (b *Backend) ensureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	known := b.groups[queue]
	b.mu.Unlock()
	if known {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream(queue), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group for %s: %w", queue, err)
	}
	b.mu.Lock()
	b.groups[queue] = true
	b.mu.Unlock()
	return nil
}

// delayedEntry is the sorted-set member for a message waiting out its delay.
type delayedEntry struct {
	ID         string `json:"id"`
	Body       string `json:"body"` // base64
	Deliveries int    `json:"deliveries"`
	Enqueued   int64  `json:"enqueued"`
}

func (b *Backend) add(ctx context.Context, queue string, body []byte, deliveries int, enqueued int64) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream(queue),
		ID:     "*",
		Values: map[string]any{
			fieldBody:       string(body),
			fieldDeliveries: deliveries,
			fieldEnqueued:   enqueued,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("adding to stream %s: %w", queue, err)
	}
	return id, nil
}

// promoteDelayed moves due entries from the delay set into the stream.
func (b *Backend) promoteDelayed(ctx context.Context, queue string) error {
	now := float64(time.Now().UnixNano())
	members, err := b.client.ZRangeByScore(ctx, delayed(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(now, 'f', -1, 64),
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	for _, m := range members {
		// only the remover of the member may promote it
		removed, err := b.client.ZRem(ctx, delayed(queue), m).Result()
		if err != nil || removed == 0 {
			continue
		}
		var e delayedEntry
		if json.Unmarshal([]byte(m), &e) != nil {
			continue
		}
		body, err := base64.StdEncoding.DecodeString(e.Body)
		if err != nil {
			continue
		}
		if _, err := b.add(ctx, queue, body, e.Deliveries, e.Enqueued); err != nil {
			return err
		}
	}
	return nil
}

// Send implements backend.Interface.
func (b *Backend) Send(ctx context.Context, queue string, body []byte, opts backend.SendOptions) (string, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return "", err
	}
	now := time.Now()
	if opts.Delay > 0 {
		e := delayedEntry{
			ID:       uuid.New().String(),
			Body:     base64.StdEncoding.EncodeToString(body),
			Enqueued: now.UnixNano(),
		}
		member, err := json.Marshal(e)
		if err != nil {
			return "", err
		}
		err = b.client.ZAdd(ctx, delayed(queue), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixNano()),
			Member: string(member),
		}).Err()
		if err != nil {
			return "", fmt.Errorf("scheduling delayed message on %s: %w", queue, err)
		}
		return e.ID, nil
	}
	return b.add(ctx, queue, body, 0, now.UnixNano())
}

// Receive implements backend.Interface. Expired locks are entries pending to
// some consumer that have been idle at least the lock duration; XAUTOCLAIM
// hands them over, incrementing their delivery counter.
func (b *Backend) Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]backend.Delivery, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}
	if err := b.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream(queue),
		Group:    group,
		Consumer: b.consumer,
		MinIdle:  lock,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reclaiming expired locks on %s: %w", queue, err)
	}
	msgs = append(msgs, claimed...)

	if len(msgs) < max {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream(queue), ">"},
			Count:    int64(max - len(msgs)),
			Block:    -1,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("reading from %s: %w", queue, err)
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	out := make([]backend.Delivery, 0, len(msgs))
	for _, m := range msgs {
		d := backend.Delivery{
			MessageID: m.ID,
			LockToken: m.ID,
			Attempts:  1,
		}
		if v, ok := m.Values[fieldBody].(string); ok {
			d.Body = []byte(v)
		}
		deliveries := 0
		if v, ok := m.Values[fieldDeliveries].(string); ok {
			deliveries, _ = strconv.Atoi(v)
		}
		if v, ok := m.Values[fieldEnqueued].(string); ok {
			if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
				d.EnqueuedAt = time.Unix(0, ns)
			}
		}
		d.Attempts = deliveries + b.retryCount(ctx, queue, m.ID)
		out = append(out, d)
	}
	return out, nil
}

// retryCount reads the pending-entry delivery counter for one entry; it is 1
// on first delivery and grows with every reclaim.
func (b *Backend) retryCount(ctx context.Context, queue, id string) int {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream(queue),
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

// owns verifies the entry is still pending to this consumer; a reclaim by
// another consumer means our lock expired.
func (b *Backend) owns(ctx context.Context, queue, id string) bool {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream(queue),
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	return err == nil && len(pending) == 1 && pending[0].Consumer == b.consumer
}

// ExtendLock implements backend.Interface by re-claiming the entry to
// ourselves, which resets its idle clock.
func (b *Backend) ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error {
	if !b.owns(ctx, queue, lockToken) {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	_, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream(queue),
		Group:    group,
		Consumer: b.consumer,
		MinIdle:  0,
		Messages: []string{lockToken},
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("extending lock on %s: %w", queue, err)
	}
	return nil
}

// Ack implements backend.Interface.
func (b *Backend) Ack(ctx context.Context, queue, messageID, lockToken string) error {
	if !b.owns(ctx, queue, lockToken) {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	n, err := b.client.XAck(ctx, stream(queue), group, lockToken).Result()
	if err != nil {
		return fmt.Errorf("acknowledging on %s: %w", queue, err)
	}
	if n == 0 {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	return b.client.XDel(ctx, stream(queue), lockToken).Err()
}

// Release implements backend.Interface.
func (b *Backend) Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error {
	if !b.owns(ctx, queue, lockToken) {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	entries, err := b.client.XRange(ctx, stream(queue), lockToken, lockToken).Result()
	if err != nil || len(entries) == 0 {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	m := entries[0]

	body := ""
	if v, ok := m.Values[fieldBody].(string); ok {
		body = v
	}
	deliveries := 0
	if v, ok := m.Values[fieldDeliveries].(string); ok {
		deliveries, _ = strconv.Atoi(v)
	}
	deliveries += b.retryCount(ctx, queue, lockToken)
	enqueued := time.Now().UnixNano()
	if v, ok := m.Values[fieldEnqueued].(string); ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			enqueued = ns
		}
	}

	if n, err := b.client.XAck(ctx, stream(queue), group, lockToken).Result(); err != nil || n == 0 {
		return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
	}
	if err := b.client.XDel(ctx, stream(queue), lockToken).Err(); err != nil {
		return err
	}

	if delay > 0 {
		e := delayedEntry{
			ID:         uuid.New().String(),
			Body:       base64.StdEncoding.EncodeToString([]byte(body)),
			Deliveries: deliveries,
			Enqueued:   enqueued,
		}
		member, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.client.ZAdd(ctx, delayed(queue), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixNano()),
			Member: string(member),
		}).Err()
	}
	_, err = b.add(ctx, queue, []byte(body), deliveries, enqueued)
	return err
}

// Count implements backend.Interface.
func (b *Backend) Count(ctx context.Context, queue string) (int, error) {
	n, err := b.client.XLen(ctx, stream(queue)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("counting %s: %w", queue, err)
	}
	waiting, err := b.client.ZCard(ctx, delayed(queue)).Result()
	if err != nil && err != redis.Nil {
		return int(n), nil
	}
	return int(n + waiting), nil
}

// Clear implements backend.Interface.
func (b *Backend) Clear(ctx context.Context, queue string) error {
	if err := b.client.Del(ctx, stream(queue), delayed(queue)).Err(); err != nil {
		return fmt.Errorf("clearing %s: %w", queue, err)
	}
	b.mu.Lock()
	delete(b.groups, queue)
	b.mu.Unlock()
	return nil
}

// Close implements backend.Interface.
func (b *Backend) Close() error {
	return b.client.Close()
}
