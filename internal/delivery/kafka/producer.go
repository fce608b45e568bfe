package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/recorder"
)

// Producer is the part of *kgo.Client the publishers need.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// OverflowPublisher parks records the recorder queue could not take on the
// overflow topic. Publishing is asynchronous so a saturated queue never
// turns into a slow issuance response.
type OverflowPublisher struct {
	client Producer
	logger *zap.Logger
}

func NewOverflowPublisher(client Producer, logger *zap.Logger) *OverflowPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OverflowPublisher{client: client, logger: logger}
}

func (p *OverflowPublisher) Divert(ctx context.Context, rec domain.IssuanceRecord) error {
	value, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: TopicOverflow,
		Key:   []byte(rec.Key()),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err == nil {
			return
		}
		p.logger.Error("overflow publish failed, reconcile pool to restore it",
			zap.String("record_id", rec.ID),
			zap.String("pool_id", rec.PoolID),
			zap.String("user_id", rec.UserID),
			zap.Error(err))
	})
	return nil
}

// DLQPublisher publishes records whose write-back gave up to the DLQ topic
// with the failure in the x-error header.
type DLQPublisher struct {
	client Producer
}

func NewDLQPublisher(client Producer) *DLQPublisher {
	return &DLQPublisher{client: client}
}

func (p *DLQPublisher) Alert(ctx context.Context, rec domain.IssuanceRecord, cause error) error {
	value, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return p.publish(ctx, []byte(rec.Key()), value, cause)
}

func (p *DLQPublisher) publish(ctx context.Context, key, value []byte, cause error) error {
	message := "unknown"
	if cause != nil {
		message = cause.Error()
	}
	record := &kgo.Record{
		Topic: TopicDLQ,
		Key:   key,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: ErrorHeaderKey, Value: []byte(message)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish dlq: %w", err)
	}
	return nil
}

var (
	_ recorder.Diverter = (*OverflowPublisher)(nil)
	_ recorder.Alerter  = (*DLQPublisher)(nil)
)
