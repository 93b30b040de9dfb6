// Package ingest connects the dispatch core to Kafka: the realtime ride
// change stream it consumes and the location topic it publishes to.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/models"
)

var ErrInvalidMessage = errors.New("invalid message")

// RideStream subscribes to the ride change topic. Each driver reads with its
// own consumer group from the newest offset: missed history is recovered by
// the reconcile fetch after every subscribe, not by replay.
type RideStream struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *slog.Logger
}

var _ feed.Source = (*RideStream)(nil)

func (s *RideStream) Subscribe(ctx context.Context) (feed.Stream, error) {
	if len(s.Brokers) == 0 {
		return nil, errors.New("ride stream: no brokers configured")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.Brokers,
		Topic:       s.Topic,
		GroupID:     s.GroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &kafkaStream{reader: r, logger: logger}, nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaStream struct {
	reader messageReader
	logger *slog.Logger
}

// Next returns the next well-formed event. Malformed messages are logged and
// skipped; only transport errors end the stream.
func (k *kafkaStream) Next(ctx context.Context) (models.StreamEvent, error) {
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			return models.StreamEvent{}, fmt.Errorf("read ride stream: %w", err)
		}
		ev, err := DecodeEvent(m.Value)
		if err != nil {
			k.logger.Warn("skipping ride stream message", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}
		return ev, nil
	}
}

func (k *kafkaStream) Close() error { return k.reader.Close() }

// DecodeEvent parses and validates a change envelope.
func DecodeEvent(b []byte) (models.StreamEvent, error) {
	var ev models.StreamEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type != models.EventInsert && ev.Type != models.EventUpdate {
		return ev, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, ev.Type)
	}
	switch ev.Table {
	case models.TableRides:
		if ev.Ride == nil || ev.Ride.ID == "" {
			return ev, fmt.Errorf("%w: ride event without ride", ErrInvalidMessage)
		}
	case models.TableDrivers:
		if ev.Driver == nil || ev.Driver.DriverID == "" {
			return ev, fmt.Errorf("%w: driver event without driver", ErrInvalidMessage)
		}
	default:
		return ev, fmt.Errorf("%w: unknown table %q", ErrInvalidMessage, ev.Table)
	}
	return ev, nil
}
