package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// DefaultQueueSize bounds the events waiting for the producer.
const DefaultQueueSize = 1024

// KafkaConfig holds the audit topic settings.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

// KafkaSink publishes audit events as JSON messages. Record never blocks:
// when the queue is full the event is dropped.
type KafkaSink struct {
	topic   string
	events  chan domain.AuditEvent
	prod    sarama.AsyncProducer
	logger  *slog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	stopped   chan struct{}
	errsDone  chan struct{}
}

var _ output.AuditSink = (*KafkaSink)(nil)

// NewKafkaSink connects an async producer to the brokers.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("audit: create async producer: %w", err)
	}
	return NewKafkaSinkWithProducer(prod, cfg.Topic, cfg.QueueSize, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *KafkaSink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &KafkaSink{
		topic:    topic,
		events:   make(chan domain.AuditEvent, queueSize),
		prod:     prod,
		logger:   logger.With("component", "audit"),
		stopped:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}
	go s.publish()
	go s.drainErrors()
	return s
}

func (s *KafkaSink) publish() {
	defer close(s.stopped)
	for e := range s.events {
		b, err := json.Marshal(e)
		if err != nil {
			s.logger.Warn("audit event not encodable", "action", e.Action, "error", err)
			continue
		}
		msg := &sarama.ProducerMessage{
			Topic: s.topic,
			Value: sarama.ByteEncoder(b),
		}
		if e.LayerID != 0 {
			msg.Key = sarama.StringEncoder(strconv.FormatInt(e.LayerID, 10))
		}
		s.prod.Input() <- msg
	}
}

func (s *KafkaSink) drainErrors() {
	defer close(s.errsDone)
	for err := range s.prod.Errors() {
		if err != nil {
			s.logger.Warn("audit event not delivered", "error", err.Err)
		}
	}
}

// Record implements AuditSink.
func (s *KafkaSink) Record(_ context.Context, e domain.AuditEvent) {
	select {
	case s.events <- e:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("audit queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (s *KafkaSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes queued events and closes the producer. Record must not be
// called after Close.
func (s *KafkaSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.stopped
		if cerr := s.prod.Close(); cerr != nil {
			err = fmt.Errorf("audit: close producer: %w", cerr)
		}
		<-s.errsDone
	})
	return err
}
