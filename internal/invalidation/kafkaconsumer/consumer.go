// Package kafkaconsumer applies tile invalidation events from a Kafka
// consumer group to the cache tiers.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/invalidation"
	mylog "github.com/mohammed-shakir/terrain-tile-loader/internal/logger"
)

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	target invalidation.Invalidator
	seq    *seqDedupe
	now    func() time.Time

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, logger *slog.Logger, target invalidation.Invalidator) *Consumer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		target: target,
		seq:    newSeqDedupe(cfg.DedupSize),
		now:    time.Now,
		assign: map[int32]struct{}{},
	}
}

func (c *Consumer) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "tileloader-invalidation"
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Start joins the consumer group and consumes in the background until
// ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("kafkaconsumer: missing invalidation target")
	}
	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, c.saramaConfig())
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return c.run(ctx, group)
}

func (c *Consumer) run(ctx context.Context, group sarama.ConsumerGroup) error {
	ctx, cancel := context.WithCancel(mylog.WithComponent(ctx, "kafka_consumer"))
	c.cancel = cancel
	h := c.handler()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.logger.Error("kafka consumer group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				obs.IncKafkaConsumerError("consume")
				c.logger.ErrorContext(ctx, "kafka consume error", "err", err,
					"brokers", c.cfg.Brokers, "topic", c.cfg.Topic)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			obs.IncKafkaConsumerError("group")
			c.logger.Error("kafka group error", "err", err)
		}
	}()

	c.logger.Info("kafka invalidation consumer started",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID, "layer", c.cfg.Layer)
	return nil
}

func (c *Consumer) handler() *groupHandler {
	return &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					c.assign[p] = struct{}{}
				}
			}
			c.assigned.Store(true)
			c.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(false)
			c.assign = map[int32]struct{}{}
			c.assignMu.Unlock()
		},
		process: c.ProcessOne,
	}
}

// Stop cancels consumption and waits for the background goroutines.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("kafka invalidation consumer stopped")
}

// Readiness reports whether partitions are currently assigned.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// ProcessOne applies a single message. Undecodable or invalid events are
// logged and acknowledged; only apply failures are returned for redelivery.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	attrs := []any{"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaConsumerError("decode")
		c.logger.WarnContext(ctx, "skipping undecodable invalidation event", append(attrs, "err", err)...)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaConsumerError("invalid")
		c.logger.WarnContext(ctx, "skipping invalid invalidation event", append(attrs, "err", err)...)
		return nil
	}
	if c.cfg.Layer != "" && ev.Layer != c.cfg.Layer {
		c.logger.DebugContext(ctx, "ignoring event for other layer", "layer", ev.Layer)
		return nil
	}
	if ev.Seq > 0 && c.seq.stale(ev.Layer, ev.Seq) {
		c.logger.DebugContext(ctx, "skipping already applied event", "layer", ev.Layer, "seq", ev.Seq)
		return nil
	}

	ts := ev.TS
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp
	}
	obs.SetInvalidationLagSeconds(c.now().Sub(ts).Seconds())

	n, err := invalidation.Apply(ctx, c.target, ev)
	obs.ObserveInvalidation(ev.Op, n, err)
	if err != nil {
		obs.IncKafkaConsumerError("apply")
		c.logger.ErrorContext(ctx, "invalidation failed", append(attrs, "op", ev.Op, "err", err)...)
		return fmt.Errorf("apply %s: %w", ev.Op, err)
	}
	if ev.Seq > 0 {
		c.seq.record(ev.Layer, ev.Seq)
	}
	c.logger.InfoContext(ctx, "tiles invalidated",
		"op", ev.Op, "layer", ev.Layer, "seq", ev.Seq, "tiles", n)
	return nil
}
