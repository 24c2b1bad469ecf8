// Package nsq carries record versions between processes over NSQ. Producers
// publish every version they emit; a relay process consumes them into its
// own delivery queue, which stays the single authority on what is delivered.
package nsq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	gonsq "github.com/nsqio/go-nsq"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
)

// Producer is the publishing half of *gonsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Publisher is a port.RecordEmitter that forwards record versions to a topic.
type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(producer Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

func (p *Publisher) Emit(_ context.Context, r *domain.Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", r.ID(), err)
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		return fmt.Errorf("publishing record %s: %w", r.ID(), err)
	}
	return nil
}

// NewProducer connects a producer to nsqd and routes its logs through logger.
func NewProducer(addr string, logger *slog.Logger) (*gonsq.Producer, error) {
	prod, err := gonsq.NewProducer(addr, gonsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("creating nsq producer: %w", err)
	}
	prod.SetLogger(slogOutput{logger: logger}, gonsq.LogLevelWarning)
	return prod, nil
}

// slogOutput adapts slog to the go-nsq logger interface.
type slogOutput struct {
	logger *slog.Logger
}

func (o slogOutput) Output(_ int, s string) error {
	level := slog.LevelInfo
	switch {
	case strings.HasPrefix(s, "ERR"):
		level = slog.LevelError
	case strings.HasPrefix(s, "WRN"):
		level = slog.LevelWarn
	case strings.HasPrefix(s, "DBG"):
		level = slog.LevelDebug
	}
	o.logger.Log(context.Background(), level, strings.TrimSpace(s), slog.String("component", "nsq"))
	return nil
}
