package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/config"
)

func EnsureTopics(ctx context.Context, client *kgo.Client, cfg *config.Config, logger *zap.Logger) error {
	adm := kadm.NewClient(client)

	for _, topic := range []string{TopicOverflow, TopicDLQ} {
		resp, err := adm.CreateTopics(ctx, cfg.KafkaTopicPartitions, cfg.KafkaReplicationFactor, nil, topic)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", topic, err)
		}
		for _, detail := range resp {
			if detail.Err != nil && !strings.Contains(detail.Err.Error(), "already exists") {
				return fmt.Errorf("failed to create topic %s: %w", detail.Topic, detail.Err)
			}
		}
	}

	logger.Info("kafka topics ensured", zap.Strings("topics", []string{TopicOverflow, TopicDLQ}))
	return nil
}
