package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// Client is the part of *kgo.Client the overflow consumer needs.
type Client interface {
	Producer
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Persister writes one record to the book-of-record, retrying and alerting
// on its own. *recorder.Recorder satisfies it.
type Persister interface {
	Persist(ctx context.Context, rec domain.IssuanceRecord) error
}

// Consumer replays the overflow topic into the book-of-record.
type Consumer struct {
	client    Client
	persister Persister
	dlq       *DLQPublisher
	logger    *zap.Logger
	ready     chan struct{}

	dlqAttempts     uint
	dlqBackoffStart time.Duration
}

func NewConsumer(client Client, persister Persister, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		client:          client,
		persister:       persister,
		dlq:             NewDLQPublisher(client),
		logger:          logger,
		ready:           make(chan struct{}),
		dlqAttempts:     5,
		dlqBackoffStart: 200 * time.Millisecond,
	}
}

// Start polls until the client is closed or ctx is done. Records are
// committed only once handled. The fetch position moves past a batch as soon
// as it is polled, so a record that cannot be handled stops the consumer:
// polling on would let a later commit skip it. Start then returns an error
// and the caller closes the client, leaving the group so the uncommitted
// offsets are redelivered.
func (c *Consumer) Start(ctx context.Context) error {
	close(c.ready)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("overflow poll error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var (
			handled []*kgo.Record
			stopErr error
		)
		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			if err := c.processRecord(ctx, record); err != nil {
				stopErr = err
				break
			}
			handled = append(handled, record)
		}

		if len(handled) > 0 {
			if err := c.client.CommitRecords(context.WithoutCancel(ctx), handled...); err != nil {
				c.logger.Error("failed to commit overflow records", zap.Error(err))
			}
		}

		switch {
		case stopErr == nil:
		case ctx.Err() != nil, errors.Is(stopErr, context.Canceled):
			return nil
		default:
			c.logger.Error("overflow consumer stopped, uncommitted records will be redelivered", zap.Error(stopErr))
			return stopErr
		}
	}
}

func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// processRecord returns nil once the record may be committed.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	rec, err := decodeRecord(record.Value)
	if err != nil {
		c.logger.Error("undecodable overflow record",
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return c.deadLetter(ctx, record, err)
	}

	err = c.persister.Persist(ctx, rec)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return err
	default:
		// The persister has already alerted; the DLQ copy is the hand-off.
		c.logger.Warn("overflow record not persisted",
			zap.String("record_id", rec.ID),
			zap.Error(err))
		return nil
	}
}

func (c *Consumer) deadLetter(ctx context.Context, record *kgo.Record, cause error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.dlqBackoffStart

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, produceTimeout)
		defer cancel()
		return struct{}{}, c.dlq.publish(pubCtx, record.Key, record.Value, cause)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.dlqAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("dead-letter publish failed, retrying",
				zap.Int64("offset", record.Offset),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", record.Offset, err)
	}
	return nil
}
