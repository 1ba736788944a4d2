package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	parcel "github.com/parcelmq/parcel-go"
	"github.com/parcelmq/parcel-go/consumer"
)

type ConsumeCommand struct {
	Queue       string        `arg:"" optional:"" name:"queue" default:"parcel-messages" help:"Queue name to consume"`
	Connection  string        `name:"connection" help:"Named connection to use"`
	Count       int           `name:"count" short:"c" help:"Stop after consuming this many messages, 0 for forever"`
	Workers     int           `name:"workers" default:"4" help:"Concurrent message handlers"`
	MaxAttempts int           `name:"max-attempts" default:"10" help:"Deliveries per message before dead-lettering"`
	DeadLetter  string        `name:"dead-letter" help:"Queue receiving exhausted messages"`
	Lock        time.Duration `name:"lock" help:"Per-message lock duration"`
}

type CountCommand struct {
	Queue      string `arg:"" name:"queue" help:"Queue name"`
	Connection string `name:"connection" help:"Named connection to use"`
}

type ClearCommand struct {
	Queue      string `arg:"" name:"queue" help:"Queue name"`
	Connection string `name:"connection" help:"Named connection to use"`
}

func messageType(queue, connection string) (*parcel.Type, error) {
	opts := []parcel.TypeOption{parcel.WithQueue(queue)}
	if connection != "" {
		opts = append(opts, parcel.WithConnection(connection))
	}
	return parcel.NewType(queue, opts...)
}

func (cmd *ConsumeCommand) Run(g *Globals) error {
	t, err := messageType(cmd.Queue, cmd.Connection)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	var consumed atomic.Int64
	handler := consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) error {
		if err := enc.Encode(map[string]any{
			"queue":     msg.Envelope.QueueName,
			"messageId": msg.Envelope.MessageID,
			"attempt":   msg.Envelope.AttemptCount,
			"fields":    msg.Envelope.Fields,
		}); err != nil {
			return err
		}
		if cmd.Count > 0 && consumed.Add(1) >= int64(cmd.Count) {
			cancel()
		}
		return nil
	})

	opts := []consumer.Option{
		consumer.WithWorkers(cmd.Workers),
		consumer.WithMaxAttempts(cmd.MaxAttempts),
	}
	if cmd.DeadLetter != "" {
		opts = append(opts, consumer.WithDeadLetterQueue(cmd.DeadLetter))
	}
	if cmd.Lock > 0 {
		opts = append(opts, consumer.WithLockDuration(cmd.Lock))
	}

	return t.Listen(ctx, handler, opts...)
}

func (cmd *CountCommand) Run(g *Globals) error {
	t, err := messageType(cmd.Queue, cmd.Connection)
	if err != nil {
		return err
	}
	n, err := t.Count(g.ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func (cmd *ClearCommand) Run(g *Globals) error {
	t, err := messageType(cmd.Queue, cmd.Connection)
	if err != nil {
		return err
	}
	return t.Clear(g.ctx)
}
