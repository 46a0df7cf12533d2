package events

import (
	"context"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
)

const DefaultTopicPrefix = "bookinglab."

// MessageWriter es la parte de *kafka.Writer que usa el deliverer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDeliverer publica cada entrada en el topic de su destino
// (<prefix><target>). La key es el aggregate id, así los eventos de una
// misma reserva caen en la misma partición y conservan su orden.
type KafkaDeliverer struct {
	writer      MessageWriter
	topicPrefix string
	log         *zap.Logger
}

func NewKafkaDeliverer(writer MessageWriter, topicPrefix string, log *zap.Logger) *KafkaDeliverer {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &KafkaDeliverer{writer: writer, topicPrefix: topicPrefix, log: log}
}

// NewKafkaWriter crea un writer sin topic fijo: el topic va en cada mensaje.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, target string, payload []byte) error {
	msg := kafka.Message{
		Topic: d.Topic(target),
		Value: payload,
	}
	if meta, ok := sharedDomain.DeliveryMetaFrom(ctx); ok {
		msg.Key = []byte(meta.AggregateID)
		msg.Headers = []kafka.Header{
			{Key: "entry_id", Value: []byte(meta.EntryID.String())},
			{Key: "event_id", Value: []byte(meta.EventID.String())},
			{Key: "event_type", Value: []byte(meta.EventType)},
			{Key: "attempt", Value: []byte(strconv.Itoa(meta.Attempt))},
		}
	}

	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		d.log.Error("Error publishing to Kafka", zap.String("topic", msg.Topic), zap.Error(err))
		return err
	}

	d.log.Debug("Event published successfully", zap.String("topic", msg.Topic), zap.ByteString("key", msg.Key))
	return nil
}

// Topic devuelve el topic de un destino.
func (d *KafkaDeliverer) Topic(target string) string {
	return d.topicPrefix + strings.ToLower(target)
}

// Verificación estática
var _ sharedDomain.Deliverer = (*KafkaDeliverer)(nil)
