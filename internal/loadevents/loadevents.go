// Package loadevents publishes settled tile loads to Kafka.
package loadevents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/loader"
)

// Message is the JSON value written to the topic, keyed by tile.
type Message struct {
	Layer       string    `json:"layer"`
	Tile        string    `json:"tile"`
	LOD         int       `json:"lod"`
	X           int       `json:"x"`
	Y           int       `json:"y"`
	Priority    string    `json:"priority"`
	Outcome     string    `json:"outcome"`
	Bytes       int       `json:"bytes,omitempty"`
	DurationMS  float64   `json:"duration_ms"`
	Speculative bool      `json:"speculative,omitempty"`
	Error       string    `json:"error,omitempty"`
	TS          time.Time `json:"ts"`
}

func newMessage(layer string, ev loader.Event) Message {
	m := Message{
		Layer:       layer,
		Tile:        ev.Addr.Key(),
		LOD:         ev.Addr.LOD,
		X:           ev.Addr.X,
		Y:           ev.Addr.Y,
		Priority:    ev.Priority.String(),
		Outcome:     string(ev.Outcome),
		Bytes:       ev.Bytes,
		DurationMS:  float64(ev.Duration.Microseconds()) / 1000,
		Speculative: ev.Speculative,
		TS:          ev.At.UTC(),
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

// Publisher is a loader.EventSink. Events are queued and dropped when the
// queue is full so the load path never blocks on Kafka.
type Publisher struct {
	topic   string
	layer   string
	events  chan loader.Event
	prod    sarama.AsyncProducer
	log     *zerolog.Logger
	stopped chan struct{}
	errDone chan struct{}
}

var _ loader.EventSink = (*Publisher)(nil)

func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "tileloader-load-events"
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	return cfg
}

func NewPublisher(brokers []string, topic, layer string, queueSize int, log *zerolog.Logger) (*Publisher, error) {
	prod, err := sarama.NewAsyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("loadevents: create async producer: %w", err)
	}
	return newPublisher(prod, topic, layer, queueSize, log), nil
}

func newPublisher(prod sarama.AsyncProducer, topic, layer string, queueSize int, log *zerolog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	p := &Publisher{
		topic:   topic,
		layer:   layer,
		events:  make(chan loader.Event, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(newMessage(p.layer, ev))
			if err != nil {
				p.log.Error().Err(err).Msg("load event marshal failed")
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Addr.Key()),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncKafkaConsumerError("produce")
				p.log.Warn().Err(err).Str("topic", p.topic).Msg("load event produce failed")
			}
		}
	}()

	return p
}

func (p *Publisher) TileSettled(ev loader.Event) {
	select {
	case p.events <- ev:
	default:
		observability.IncLoadEventsDropped()
	}
}

// Close flushes queued events and closes the producer. The controller
// must be closed first so no TileSettled call races the channel close.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped
	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("loadevents: close producer: %w", err)
	}
	return nil
}
