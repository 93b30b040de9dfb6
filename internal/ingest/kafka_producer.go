package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
)

// LocationMessage is one driver position on the location topic, keyed by
// driver id so a driver's fixes stay ordered within a partition.
type LocationMessage struct {
	DriverID string `json:"driver_id"`
	models.Position
}

// KafkaProducer publishes the driver's position fixes. It implements
// geo.Mirror.
type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) Publish(ctx context.Context, driverID string, p models.Position) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(LocationMessage{DriverID: driverID, Position: p})
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b, Time: p.At}); err != nil {
		return fmt.Errorf("publish location: %w", err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a location topic message.
func DecodeLocation(b []byte) (LocationMessage, error) {
	var m LocationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode location: %w", err)
	}
	if m.DriverID == "" {
		return m, fmt.Errorf("%w: missing driver_id", ErrInvalidMessage)
	}
	if m.Lat < -90 || m.Lat > 90 || m.Lon < -180 || m.Lon > 180 {
		return m, fmt.Errorf("%w: coordinate out of range", ErrInvalidMessage)
	}
	return m, nil
}
