package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/services"
)

// KafkaPublisher hands events to an asynchronous sarama producer. Delivery failures surface
// on the producer's error channel and are logged.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *zap.Logger
	done     chan struct{}
	once     sync.Once
}

var _ services.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaConfig returns the producer settings used for order events.
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Retry.Max = 5
	config.Producer.Partitioner = sarama.NewHashPartitioner
	return config
}

// DialKafkaPublisher connects to brokers and returns a publisher.
func DialKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka event publisher: brokers are required")
	}
	producer, err := sarama.NewAsyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka event publisher: start producer: %w", err)
	}
	return NewKafkaPublisher(producer, topic, logger)
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.AsyncProducer, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka event publisher: producer is required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka event publisher: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.Named("events.kafka"),
		done:     make(chan struct{}),
	}
	go p.drainErrors()
	return p, nil
}

func (p *KafkaPublisher) drainErrors() {
	defer close(p.done)
	for err := range p.producer.Errors() {
		fields := []zap.Field{zap.Error(err.Err)}
		if err.Msg != nil {
			fields = append(fields, zap.String("topic", err.Msg.Topic))
			if key, ok := err.Msg.Key.(sarama.StringEncoder); ok {
				fields = append(fields, zap.String("correlationId", string(key)))
			}
		}
		p.logger.Warn("kafka delivery failed", fields...)
	}
}

// Publish enqueues the event keyed by correlation id so one order's events stay on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event services.Event) error {
	env := NewEnvelope(event)
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(env.CorrelationID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(env.Type)},
		},
	}
	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue order event: %w", ctx.Err())
	}
}

// Close flushes buffered messages and waits for the error drain to finish.
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		err = p.producer.Close()
		<-p.done
	})
	return err
}
