package notify

import (
	"context"
	"encoding/json"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

// Writer is the subset of kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Kafka publishes notifications keyed by vehicle so one vehicle's records
// stay on one partition in order.
type Kafka struct {
	writer Writer
}

func NewKafka(brokerURL, topic string) *Kafka {
	w := &skafka.Writer{
		Addr:     skafka.TCP(brokerURL),
		Topic:    topic,
		Balancer: &skafka.Hash{},
	}
	return &Kafka{writer: w}
}

func NewKafkaWithWriter(w Writer) *Kafka { return &Kafka{writer: w} }

func (k *Kafka) Emit(ctx context.Context, n model.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	start := time.Now()
	msg := skafka.Message{
		Key:   []byte(n.VehicleID),
		Value: b,
		Headers: []skafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "to-status", Value: []byte(n.ToStatus)},
		},
	}
	err = k.writer.WriteMessages(ctx, msg)
	metrics.NotificationLatency.WithLabelValues("kafka").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.NotificationDeliveries.WithLabelValues("kafka", "error").Inc()
		return err
	}
	metrics.NotificationDeliveries.WithLabelValues("kafka", "ok").Inc()
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
