// Package intake moves discovered links between Kafka and the frontier. The
// Consumer batches JSON LinkRecord messages into AddEntries calls and commits
// offsets only after the batch is stored; the Producer publishes records.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/retry"
)

// Message results reported to an Observer.
const (
	ResultAccepted = "accepted"
	ResultPoison   = "poison"
)

// MessageReader abstracts kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Adder is the part of *frontier.Frontier the consumer feeds.
type Adder interface {
	AddEntries(ctx context.Context, records []frontier.LinkRecord) (frontier.AddResult, error)
}

// Observer receives per-message results.
type Observer interface {
	IntakeMessage(result string)
}

// ConsumerConfig controls batching.
type ConsumerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Retry         retry.Config
	Observer      Observer
}

// Consumer reads LinkRecord messages and adds them to the frontier.
type Consumer struct {
	reader   MessageReader
	adder    Adder
	cfg      ConsumerConfig
	retry    *retry.Policy
	logger   *zap.Logger
	messages []kafka.Message
	records  []frontier.LinkRecord
	offsets  []int64
}

// NewReader builds a consumer-group reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}

// NewConsumer constructs a Consumer. The consumer owns reader and closes it
// when Run returns.
func NewConsumer(reader MessageReader, adder Adder, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader: reader,
		adder:  adder,
		cfg:    cfg,
		retry:  retry.New(cfg.Retry),
		logger: logger.Named("intake"),
	}
}

// Run consumes until ctx finishes or a batch cannot be stored. Messages
// buffered at shutdown are left uncommitted; they are redelivered and the
// repeated inserts are skipped as duplicates.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("close reader", zap.Error(err))
		}
	}()

	var deadline time.Time
	fetchFailures := 0
	for {
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(c.messages) > 0 {
			fetchCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) && len(c.messages) > 0 {
				if err := c.flush(ctx); err != nil {
					return err
				}
				continue
			}
			c.logger.Warn("fetch message failed", zap.Error(err))
			if retry.Sleep(ctx, c.retry.Backoff(fetchFailures)) != nil {
				return nil
			}
			fetchFailures++
			continue
		}
		fetchFailures = 0

		if len(c.messages) == 0 {
			deadline = time.Now().Add(c.cfg.FlushInterval)
		}
		c.buffer(msg)
		if len(c.messages) >= c.cfg.BatchSize {
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) buffer(msg kafka.Message) {
	c.messages = append(c.messages, msg)
	var rec frontier.LinkRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		c.logger.Warn("dropping undecodable message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		c.observe(ResultPoison)
		return
	}
	c.records = append(c.records, rec)
	c.offsets = append(c.offsets, msg.Offset)
	c.observe(ResultAccepted)
}

func (c *Consumer) flush(ctx context.Context) error {
	if len(c.records) > 0 {
		var res frontier.AddResult
		err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
			var err error
			res, err = c.adder.AddEntries(ctx, c.records)
			return err
		})
		if err != nil {
			return fmt.Errorf("add %d records: %w", len(c.records), err)
		}
		for _, inv := range res.Invalid {
			c.logger.Warn("rejected record",
				zap.Int64("offset", c.offsets[inv.Index]),
				zap.String("url", c.records[inv.Index].URL),
				zap.Error(inv.Err),
			)
		}
		c.logger.Debug("stored batch",
			zap.Int("inserted", res.Inserted),
			zap.Int("skipped", res.Skipped),
			zap.Int("invalid", len(res.Invalid)),
		)
	}
	if err := c.reader.CommitMessages(ctx, c.messages...); err != nil {
		return fmt.Errorf("commit %d messages: %w", len(c.messages), err)
	}
	c.messages = c.messages[:0]
	c.records = c.records[:0]
	c.offsets = c.offsets[:0]
	return nil
}

func (c *Consumer) observe(result string) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.IntakeMessage(result)
	}
}
