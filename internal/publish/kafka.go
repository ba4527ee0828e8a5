package publish

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaSink.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer hashing message keys across partitions so
// each book stays ordered.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           20 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// KafkaSink writes every result as JSON keyed "{exchange}:{symbol}".
type KafkaSink struct {
	writer   KafkaWriter
	feed     <-chan pipeline.Result
	log      *zap.Logger
	maxBatch int
}

// NewKafkaSink creates a sink reading feed.
func NewKafkaSink(w KafkaWriter, feed <-chan pipeline.Result, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSink{writer: w, feed: feed, log: log.Named("kafka"), maxBatch: 100}
}

// Run blocks until ctx is cancelled or the feed closes, then closes the
// writer. Results already queued on the feed are written in one batch.
func (s *KafkaSink) Run(ctx context.Context) {
	defer func() {
		if err := s.writer.Close(); err != nil {
			s.log.Warn("close writer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-s.feed:
			if !ok {
				return
			}
			batch := s.collect(res)
			if len(batch) == 0 {
				continue
			}
			if err := s.writer.WriteMessages(ctx, batch...); err != nil {
				s.log.Error("write messages", zap.Int("count", len(batch)), zap.Error(err))
			}
		}
	}
}

// collect turns first plus whatever is already buffered into messages.
func (s *KafkaSink) collect(first pipeline.Result) []kafka.Message {
	batch := make([]kafka.Message, 0, 1)
	add := func(res pipeline.Result) {
		value, err := Encode(res)
		if err != nil {
			s.log.Error("encode result", zap.Stringer("key", res.Key()), zap.Error(err))
			return
		}
		batch = append(batch, kafka.Message{
			Key:   []byte(string(res.Exchange) + ":" + res.Symbol),
			Value: value,
			Time:  res.ProcessedAt,
		})
	}
	add(first)
	for len(batch) < s.maxBatch {
		select {
		case res, ok := <-s.feed:
			if !ok {
				return batch
			}
			add(res)
		default:
			return batch
		}
	}
	return batch
}
