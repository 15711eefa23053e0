package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bikeshop/order-service/internal/services"
)

func sampleEvent() services.Event {
	return services.Event{
		Type:          services.EventOrderPaid,
		Data:          map[string]any{"orderId": "o1", "transactionId": "txn_1"},
		CorrelationID: "o1",
		OccurredAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewEnvelopeCorrelation(t *testing.T) {
	env := NewEnvelope(services.Event{Type: "order.created", Data: map[string]any{"orderId": "o9"}})
	require.Equal(t, "o9", env.CorrelationID)
	require.False(t, env.Timestamp.IsZero())

	env = NewEnvelope(services.Event{Type: "order.created"})
	require.Len(t, env.CorrelationID, 36)
	require.NotNil(t, env.Data)
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	publisher := NewLogPublisher(zap.New(core))

	require.NoError(t, publisher.Publish(context.Background(), sampleEvent()))
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "order.paid", entries[0].ContextMap()["type"])
	require.Equal(t, "o1", entries[0].ContextMap()["correlationId"])
}

func TestPubSubPublisherPublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	require.NoError(t, err)

	publisher, err := NewPubSubPublisher(topic)
	require.NoError(t, err)
	defer publisher.Close()

	require.NoError(t, publisher.Publish(ctx, sampleEvent()))

	messages := srv.Messages()
	require.Len(t, messages, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal(messages[0].Data, &env))
	require.Equal(t, "order.paid", env.Type)
	require.Equal(t, "o1", env.CorrelationID)
	require.Equal(t, "txn_1", env.Data["transactionId"])
	require.Equal(t, "order.paid", messages[0].Attributes["type"])
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	_, err := NewPubSubPublisher(nil)
	require.Error(t, err)
}

func TestKafkaPublisherProducesKeyedMessage(t *testing.T) {
	config := mocks.NewTestConfig()
	producer := mocks.NewAsyncProducer(t, config)
	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "order-events" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil || string(key) != "o1" {
			return errors.New("unexpected key")
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			return err
		}
		if env.Type != "order.paid" {
			return errors.New("unexpected type " + env.Type)
		}
		return nil
	})

	publisher, err := NewKafkaPublisher(producer, "order-events", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(context.Background(), sampleEvent()))
	require.NoError(t, publisher.Close())
}

func TestKafkaPublisherLogsDeliveryFailures(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	core, logs := observer.New(zap.WarnLevel)
	publisher, err := NewKafkaPublisher(producer, "order-events", zap.New(core))
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(context.Background(), sampleEvent()))
	require.NoError(t, publisher.Close())

	require.Equal(t, 1, logs.FilterMessage("kafka delivery failed").Len())
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "order-events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	publisher, err := NewRedisPublisher(client, "order-events")
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, sampleEvent()))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	require.Equal(t, "o1", env.CorrelationID)
}

type stubPublisher struct {
	err   error
	calls int
}

func (s *stubPublisher) Publish(context.Context, services.Event) error {
	s.calls++
	return s.err
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	failing := &stubPublisher{err: errors.New("down")}
	healthy := &stubPublisher{}
	fanout := NewFanout(Sink{Name: "kafka", Publisher: failing}, Sink{Name: "log", Publisher: healthy}, Sink{Name: "nil"})

	err := fanout.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	require.Contains(t, err.Error(), "kafka: down")
	require.Equal(t, 1, healthy.calls)
	require.Equal(t, 2, fanout.Len())
}
