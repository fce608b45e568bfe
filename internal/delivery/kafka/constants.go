package kafka

import "time"

const (
	TopicOverflow = "coupon.issuance.overflow"
	TopicDLQ      = "coupon.issuance.dlq"

	SchemaVersion = 1

	ErrorHeaderKey = "x-error"

	produceTimeout = 5 * time.Second
)
