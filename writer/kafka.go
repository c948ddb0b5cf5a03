package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "l3flow/config"
	"l3flow/logger"
	"l3flow/models"
)

type kafkaProducer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards flushed events and snapshots to kafka topics.
// Messages are keyed by stream so a partition keeps per-stream order.
type KafkaPublisher struct {
	events    kafkaProducer
	snapshots kafkaProducer
	log       *logger.Log
}

var _ EventSink = (*KafkaPublisher)(nil)
var _ SnapshotPublisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(cfg appconfig.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	kp := newKafkaPublisher(newWriter(cfg.EventsTopic), newWriter(cfg.SnapshotsTopic))
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers":         cfg.Brokers,
		"events_topic":    cfg.EventsTopic,
		"snapshots_topic": cfg.SnapshotsTopic,
	}).Debug("kafka publisher initialized")
	return kp, nil
}

func newKafkaPublisher(events, snapshots kafkaProducer) *KafkaPublisher {
	return &KafkaPublisher{events: events, snapshots: snapshots, log: logger.GetLogger()}
}

func (kp *KafkaPublisher) Name() string { return "kafka" }

func (kp *KafkaPublisher) WriteEvents(ctx context.Context, events []models.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for i := range events {
		e := &events[i]
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(streamKey(e.Venue, e.Instrument)),
			Value: data,
			Time:  e.Timestamp,
		})
	}
	if err := kp.events.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"records": len(msgs),
	}).Debug("events written to kafka")
	return nil
}

func (kp *KafkaPublisher) PublishSnapshot(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = kp.snapshots.WriteMessages(ctx, kafka.Message{
		Key:   []byte(streamKey(snap.Venue, snap.Instrument)),
		Value: data,
		Time:  snap.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (kp *KafkaPublisher) Close() error {
	errEvents := kp.events.Close()
	errSnapshots := kp.snapshots.Close()
	if errEvents != nil {
		return errEvents
	}
	return errSnapshots
}
