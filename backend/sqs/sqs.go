// Package sqs is the managed cloud queue backend on Amazon SQS. The uniform
// lock maps to the native visibility timeout and the lock token to the
// receipt handle: a release is ChangeMessageVisibility(0); attempts come from
// the service's ApproximateReceiveCount. Queues are created on first use;
// when the connection carries a managed_key_id the queue is created with
// server-side encryption so no local crypto is needed.
//
// SQS bodies must be text, so payloads travel base64 encoded.
package sqs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

// Scheme is the DSN scheme this driver registers under.
const Scheme = "sqs"

// Service limits.
const (
	maxDelay      = 900 * time.Second   // SendMessage DelaySeconds cap
	maxVisibility = 43200 * time.Second // 12 hours
	maxBatch      = 10
)

func init() {
	backend.Register(Scheme, func(conn *config.Conn) (backend.Interface, error) {
		return New(context.Background(), conn)
	})
}

// Backend is the SQS driver.
type Backend struct {
	client       *sqs.Client
	managedKeyID string
	lockDefault  time.Duration

	mu        sync.Mutex
	queueURLs map[string]string
}

// New builds an SQS client from the parsed DSN. DSN credentials override the
// ambient AWS credential chain; the region comes from the region option or
// the environment.
func New(ctx context.Context, conn *config.Conn) (*Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := conn.Region(); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if conn.Username != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.Username, conn.Password, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &contracts.ConfigError{Reason: "loading AWS configuration", Err: err}
	}
	return &Backend{
		client:       sqs.NewFromConfig(cfg),
		managedKeyID: conn.ManagedKeyID(),
		lockDefault:  conn.LockDuration(30 * time.Second),
		queueURLs:    make(map[string]string),
	}, nil
}

// queueURL resolves and caches the URL for a queue, creating the queue when
// it does not exist yet.
func (b *Backend) queueURL(ctx context.Context, queue string) (string, error) {
	b.mu.Lock()
	if url, ok := b.queueURLs[queue]; ok {
		b.mu.Unlock()
		return url, nil
	}
	b.mu.Unlock()

	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		var notFound *types.QueueDoesNotExist
		if !errors.As(err, &notFound) {
			return "", fmt.Errorf("resolving queue %s: %w", queue, err)
		}
		attrs := map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(b.lockDefault.Seconds())),
		}
		if b.managedKeyID != "" {
			attrs[string(types.QueueAttributeNameKmsMasterKeyId)] = b.managedKeyID
		}
		created, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName:  aws.String(queue),
			Attributes: attrs,
		})
		if err != nil {
			return "", fmt.Errorf("creating queue %s: %w", queue, err)
		}
		out = &sqs.GetQueueUrlOutput{QueueUrl: created.QueueUrl}
	}

	b.mu.Lock()
	b.queueURLs[queue] = aws.ToString(out.QueueUrl)
	b.mu.Unlock()
	return aws.ToString(out.QueueUrl), nil
}

// Send implements backend.Interface.
func (b *Backend) Send(ctx context.Context, queue string, body []byte, opts backend.SendOptions) (string, error) {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return "", err
	}
	delay := opts.Delay
	if delay > maxDelay {
		delay = maxDelay
	}
	out, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(base64.StdEncoding.EncodeToString(body)),
		DelaySeconds: int32(delay.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", queue, err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive implements backend.Interface.
func (b *Backend) Receive(ctx context.Context, queue string, max int, lock time.Duration) ([]backend.Delivery, error) {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	if max > maxBatch {
		max = maxBatch
	}
	if lock > maxVisibility {
		lock = maxVisibility
	}
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   int32(lock.Seconds()),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", queue, err)
	}

	deliveries := make([]backend.Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		body, err := base64.StdEncoding.DecodeString(aws.ToString(msg.Body))
		if err != nil {
			// not ours; surface it to the codec as a corrupt payload
			body = []byte(aws.ToString(msg.Body))
		}
		d := backend.Delivery{
			MessageID: aws.ToString(msg.MessageId),
			LockToken: aws.ToString(msg.ReceiptHandle),
			Body:      body,
			Attempts:  1,
		}
		if v := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				d.Attempts = n
			}
		}
		if v := msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; v != "" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				d.EnqueuedAt = time.UnixMilli(ms)
			}
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// ExtendLock implements backend.Interface by raising the receipt's
// visibility timeout.
func (b *Backend) ExtendLock(ctx context.Context, queue, messageID, lockToken string, extra time.Duration) error {
	if extra > maxVisibility {
		extra = maxVisibility
	}
	return b.changeVisibility(ctx, queue, messageID, lockToken, int32(extra.Seconds()))
}

// Ack implements backend.Interface.
func (b *Backend) Ack(ctx context.Context, queue, messageID, lockToken string) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(lockToken),
	})
	if err != nil {
		if isStaleReceipt(err) {
			return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
		}
		return fmt.Errorf("acknowledging on %s: %w", queue, err)
	}
	return nil
}

// Release implements backend.Interface by zeroing the receipt's visibility
// timeout, which makes the message immediately receivable again.
func (b *Backend) Release(ctx context.Context, queue, messageID, lockToken string, delay time.Duration) error {
	if delay > maxVisibility {
		delay = maxVisibility
	}
	return b.changeVisibility(ctx, queue, messageID, lockToken, int32(delay.Seconds()))
}

func (b *Backend) changeVisibility(ctx context.Context, queue, messageID, lockToken string, seconds int32) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(lockToken),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		if isStaleReceipt(err) {
			return &contracts.LockExpiredError{Queue: queue, MessageID: messageID}
		}
		return fmt.Errorf("changing visibility on %s: %w", queue, err)
	}
	return nil
}

// Count implements backend.Interface. The service documents the returned
// depth as approximate with up to a minute of staleness.
func (b *Backend) Count(ctx context.Context, queue string) (int, error) {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", queue, err)
	}
	n, _ := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	return n, nil
}

// Clear implements backend.Interface.
func (b *Backend) Clear(ctx context.Context, queue string) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if _, err := b.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(url)}); err != nil {
		var inProgress *types.PurgeQueueInProgress
		if errors.As(err, &inProgress) {
			return nil
		}
		return fmt.Errorf("purging %s: %w", queue, err)
	}
	return nil
}

// Close implements backend.Interface.
func (b *Backend) Close() error { return nil }

func isStaleReceipt(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	return errors.As(err, &invalid) || errors.As(err, &notInflight)
}
