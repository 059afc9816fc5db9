package kafka

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/route-beacon/nlrt/internal/journal"
	"github.com/route-beacon/nlrt/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// Publisher is the Kafka journal sink. Events are keyed by "dst/mask" so all
// changes to one route land on the same partition in order.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewPublisher(brokers []string, clientID, topic string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.NoCompression()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

func (p *Publisher) Name() string { return "kafka" }

// Write produces the batch and waits for every record to be acknowledged.
func (p *Publisher) Write(ctx context.Context, events []journal.Event) error {
	recs := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		rec, err := NewRecord(p.topic, ev)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	results := p.client.ProduceSync(ctx, recs...)
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	metrics.KafkaMessagesTotal.WithLabelValues(p.topic, "ok").Add(float64(len(results) - failed))
	if failed > 0 {
		metrics.KafkaMessagesTotal.WithLabelValues(p.topic, "error").Add(float64(failed))
		return fmt.Errorf("produce to %s: %d of %d records failed: %w", p.topic, failed, len(results), results.FirstErr())
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Publisher) Close() {
	p.client.Close()
}
