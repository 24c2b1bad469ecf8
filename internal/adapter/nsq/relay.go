package nsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	gonsq "github.com/nsqio/go-nsq"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// Relay is a gonsq.Handler feeding decoded record versions into an emitter.
// Redelivered or reordered versions are harmless: the queue behind the
// emitter keeps only the highest-ranked version of each record.
type Relay struct {
	ctx     context.Context
	emitter port.RecordEmitter
	logger  *slog.Logger
}

func NewRelay(ctx context.Context, emitter port.RecordEmitter, logger *slog.Logger) *Relay {
	return &Relay{ctx: ctx, emitter: emitter, logger: logger}
}

// HandleMessage returns an error only when the record could not be accepted
// for now, so that nsqd requeues it. Undecodable payloads are finished.
func (r *Relay) HandleMessage(m *gonsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}
	var rec domain.Record
	if err := json.Unmarshal(m.Body, &rec); err != nil {
		r.logger.Error("bad record payload",
			slog.String("nsq.message_id", string(m.ID[:])),
			slog.String("error", err.Error()),
		)
		return nil
	}

	err := r.emitter.Emit(r.ctx, &rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrShutdown):
		r.logger.Warn("record not accepted, requeueing",
			slog.String("watch.id", rec.ID().String()),
			slog.Int("nsq.attempts", int(m.Attempts)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("relaying record %s: %w", rec.ID(), err)
	default:
		r.logger.Error("relaying record",
			slog.String("watch.id", rec.ID().String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
}

// ConsumerConfig locates the topic to relay from.
type ConsumerConfig struct {
	Topic       string
	Channel     string
	NsqdTCPAddr string
	// LookupHTTPAddr, when set, is used in addition to NsqdTCPAddr.
	LookupHTTPAddr string
	MaxInFlight    int
}

// Subscribe starts a consumer delivering messages to handler. The caller
// stops it with Stop and waits on StopChan.
func Subscribe(cfg ConsumerConfig, handler gonsq.Handler, logger *slog.Logger) (*gonsq.Consumer, error) {
	conf := gonsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := gonsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("creating nsq consumer: %w", err)
	}
	consumer.SetLogger(slogOutput{logger: logger}, gonsq.LogLevelWarning)
	consumer.AddHandler(handler)

	if cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connecting to nsqd: %w", err)
		}
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connecting to nsqlookupd: %w", err)
		}
	}
	return consumer, nil
}
