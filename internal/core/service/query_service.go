package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// QueryService validates statements and hands the admitted ones to the
// executor, which runs them through the watcher. Refused statements never
// reach the watcher; with a RejectionRecorder they are audited here instead.
type QueryService struct {
	validator  port.QueryValidator
	executor   port.QueryExecutor
	logger     *slog.Logger
	masks      map[string]domain.MaskType // column name to mask (nil = no masking)
	tracer     trace.Tracer
	inst       port.Instrumentation
	rejections port.RejectionRecorder
}

type Option func(*QueryService)

// WithRejectionRecorder audits every statement the validator refuses.
func WithRejectionRecorder(r port.RejectionRecorder) Option {
	return func(s *QueryService) { s.rejections = r }
}

func NewQueryService(validator port.QueryValidator, executor port.QueryExecutor, logger *slog.Logger, masks map[string]domain.MaskType, tracer trace.Tracer, inst port.Instrumentation, opts ...Option) *QueryService {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	s := &QueryService{
		validator: validator,
		executor:  executor,
		logger:    logger,
		masks:     masks,
		tracer:    tracer,
		inst:      inst,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *QueryService) Execute(ctx context.Context, sql string) ([]map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.Execute",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", "query"),
			attribute.String("db.statement", sql),
		),
	)
	defer span.End()

	if err := s.validator.Validate(sql); err != nil {
		s.logger.WarnContext(ctx, "query validation rejected",
			slog.String("db.operation.name", "query"),
			slog.String("db.statement", sql),
			slog.String("error.type", "validation_error"),
			slog.String("error.message", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.inst.IncrementQueryErrors(ctx)
		if s.rejections != nil {
			s.rejections.Reject(ctx, sql, err)
		}
		return nil, fmt.Errorf("validation: %w", err)
	}

	start := time.Now()
	results, err := s.executor.Execute(ctx, sql)
	s.logger.DebugContext(ctx, "query executed",
		slog.String("db.statement", sql),
		slog.Int("db.response.rows", len(results)),
		slog.Duration("duration", time.Since(start)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return results, err
	}

	span.SetAttributes(attribute.Int("db.response.rows", len(results)))
	domain.MaskRows(results, s.masks)
	return results, nil
}
