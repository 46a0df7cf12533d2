package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
)

var ErrMissingDeliveryMeta = errors.New("delivery metadata missing from context")

// mongoNotification es el documento que guarda el receptor.
type mongoNotification struct {
	ID          string    `bson:"_id,omitempty"`
	EventID     string    `bson:"eventId"`
	AggregateID string    `bson:"aggregateId"`
	EventType   string    `bson:"eventType"`
	Target      string    `bson:"target"`
	Payload     string    `bson:"payload"`
	ReceivedAt  time.Time `bson:"receivedAt"`
}

// MongoDeliverer es un receptor que deduplica: cada entrada de outbox se
// guarda una sola vez aunque el relay la entregue varias.
type MongoDeliverer struct {
	coll *mongo.Collection
	now  func() time.Time
	log  *zap.Logger
}

var _ sharedDomain.Deliverer = (*MongoDeliverer)(nil)

func NewMongoDeliverer(client *mongo.Client, dbName string, log *zap.Logger) *MongoDeliverer {
	coll := client.Database(dbName).Collection("notifications")
	return &MongoDeliverer{coll: coll, now: time.Now, log: log}
}

func (d *MongoDeliverer) Deliver(ctx context.Context, target string, payload []byte) error {
	meta, ok := sharedDomain.DeliveryMetaFrom(ctx)
	if !ok {
		return ErrMissingDeliveryMeta
	}

	filter := bson.M{"_id": meta.EntryID.String()}
	// _id sale del filtro en el upsert; omitempty lo deja fuera del documento.
	update := bson.M{"$setOnInsert": mongoNotification{
		EventID:     meta.EventID.String(),
		AggregateID: meta.AggregateID,
		EventType:   meta.EventType,
		Target:      target,
		Payload:     string(payload),
		ReceivedAt:  d.now().UTC(),
	}}

	res, err := d.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo upsert notification: %w", err)
	}
	if res.UpsertedCount == 0 {
		d.log.Debug("🔁 Notificación duplicada ignorada", zap.String("entry_id", meta.EntryID.String()))
	}
	return nil
}
