package kafkax

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// NewWriter returns a writer that hashes message keys onto partitions so all
// records sharing a key land on one partition in write order. WriteMessages
// returns once the partition leader has the record.
func NewWriter(brokers string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

type ReaderConfig struct {
	Brokers string
	GroupID string
	Topic   string
}

// NewGroupReader returns a consumer-group reader. Offsets are committed
// explicitly by the caller (CommitInterval 0 means synchronous commits).
func NewGroupReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        SplitBrokers(cfg.Brokers),
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
}
