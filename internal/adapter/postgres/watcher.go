package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// Watched operation names.
const (
	OpExec     = "exec"
	OpQuery    = "query"
	OpQueryRow = "query_row"
)

// Record fields written by the watcher.
const (
	FieldDB           = "DB"
	FieldOperation    = "Operation"
	FieldStatement    = "Statement"
	FieldArgCount     = "ArgCount"
	FieldStartTime    = "StartTime"
	FieldEndTime      = "EndTime"
	FieldDuration     = "Duration"
	FieldError        = "Error"
	FieldRowsAffected = "RowsAffected"
	FieldMatchedCount = "MatchedCount"
	FieldRejected     = "Rejected"
)

// DefaultTimeout bounds how long a watched operation may stay silent before
// its record is delivered as timed out.
const DefaultTimeout = 600 * time.Second

// DefaultKeys are the fields rendered by a record's short form.
var DefaultKeys = []string{FieldDB, FieldOperation, FieldStatement, FieldDuration, FieldMatchedCount, FieldRowsAffected, FieldError}

// Querier is the part of *pgxpool.Pool, *pgx.Conn and pgx.Tx the watcher wraps.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DefaultOperations maps the arguments and results of each watched operation
// onto record fields.
func DefaultOperations() map[string]domain.OperationSpec {
	args := []domain.ArgSpec{
		{Name: "sql", FieldSpec: domain.FieldSpec{To: FieldStatement, Cast: domain.NormalizeSQL, CastName: "normalize_sql"}},
		{Name: "args", FieldSpec: domain.FieldSpec{To: FieldArgCount, Cast: domain.Length, CastName: "len"}},
	}
	return map[string]domain.OperationSpec{
		OpExec: {
			Args:   args,
			Result: domain.FieldSpec{To: FieldRowsAffected},
		},
		OpQuery: {
			Args: args,
		},
		OpQueryRow: {
			Args:   args,
			Result: domain.FieldSpec{To: FieldMatchedCount, Cast: domain.OneIfNotNone, CastName: "one_if_not_none"},
		},
	}
}

// Watcher decorates a Querier so that every operation produces an audit
// record. The record is emitted when the operation starts, on progress, and
// once more when it completes.
type Watcher struct {
	q             Querier
	emitter       port.RecordEmitter
	ops           map[string]domain.OperationSpec
	timeout       time.Duration
	database      string
	defaultFields []domain.Field
	defaultKeys   []string
	tracer        trace.Tracer
	inst          port.Instrumentation
	logger        *slog.Logger
}

type WatcherOption func(*Watcher)

// WithOperations merges specs over the default operation table.
func WithOperations(specs map[string]domain.OperationSpec) WatcherOption {
	return func(w *Watcher) {
		for name, spec := range specs {
			w.ops[name] = w.ops[name].Merge(spec)
		}
	}
}

// WithTimeout sets the silence allowed before a record is delivered as timed out.
func WithTimeout(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.timeout = d }
}

func WithDatabase(name string) WatcherOption {
	return func(w *Watcher) { w.database = name }
}

// WithDefaultFields stamps constant fields onto every record.
func WithDefaultFields(fields ...domain.Field) WatcherOption {
	return func(w *Watcher) { w.defaultFields = append(w.defaultFields, fields...) }
}

func WithDefaultKeys(keys []string) WatcherOption {
	return func(w *Watcher) { w.defaultKeys = keys }
}

func WithTracer(t trace.Tracer) WatcherOption {
	return func(w *Watcher) {
		if t != nil {
			w.tracer = t
		}
	}
}

func WithWatcherInstrumentation(inst port.Instrumentation) WatcherOption {
	return func(w *Watcher) {
		if inst != nil {
			w.inst = inst
		}
	}
}

func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWatcher(q Querier, emitter port.RecordEmitter, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		q:           q,
		emitter:     emitter,
		ops:         DefaultOperations(),
		timeout:     DefaultTimeout,
		defaultKeys: DefaultKeys,
		tracer:      noop.NewTracerProvider().Tracer("noop"),
		inst:        port.NoopInstrumentation{},
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// With returns a watcher sharing w's configuration that runs against q, for
// example a transaction begun on the wrapped pool.
func (w *Watcher) With(q Querier) *Watcher {
	c := *w
	c.q = q
	return &c
}

// Operation returns the field mapping used for the named operation.
func (w *Watcher) Operation(name string) domain.OperationSpec { return w.ops[name] }

func (w *Watcher) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, span := w.startSpan(ctx, OpExec, sql)
	defer span.End()

	rec, start := w.begin(ctx, OpExec, sql, args)
	tag, err := w.q.Exec(ctx, sql, args...)
	var result any
	if err == nil {
		result = tag.RowsAffected()
		span.SetAttributes(attribute.Int64("db.response.rows_affected", tag.RowsAffected()))
	}
	w.finish(ctx, rec, OpExec, start, result, err)
	endSpan(span, err)
	return tag, err
}

// Query runs sql and returns a cursor whose progress keeps the record alive
// until it is exhausted or closed.
func (w *Watcher) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ctx, span := w.startSpan(ctx, OpQuery, sql)

	rec, start := w.begin(ctx, OpQuery, sql, args)
	rows, err := w.q.Query(ctx, sql, args...)
	if err != nil {
		w.finish(ctx, rec, OpQuery, start, nil, err)
		endSpan(span, err)
		span.End()
		return nil, err
	}
	rec.Set(FieldMatchedCount, 0)
	return &WatchedRows{Rows: rows, w: w, ctx: ctx, span: span, rec: rec, start: start}, nil
}

// QueryRow defers the work to Scan, where the record is completed.
func (w *Watcher) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ctx, span := w.startSpan(ctx, OpQueryRow, sql)
	rec, start := w.begin(ctx, OpQueryRow, sql, args)
	return &watchedRow{row: w.q.QueryRow(ctx, sql, args...), w: w, ctx: ctx, span: span, rec: rec, start: start}
}

func (w *Watcher) startSpan(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, "pgwatch."+op,
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", op),
			attribute.String("db.statement", sql),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Reject records a statement refused before it reached the database. The
// record is emitted once, already final, with the refusal as its error.
func (w *Watcher) Reject(ctx context.Context, sql string, cause error) {
	rec, _ := w.newRecord(OpQuery, sql, nil)
	rec.Update(domain.Patch{Fields: []domain.Field{
		domain.F(FieldEndTime, time.Now()),
		domain.F(FieldError, cause.Error()),
		domain.F(FieldRejected, true),
	}})
	rec.Finalize()
	w.emit(ctx, rec)
}

func (w *Watcher) begin(ctx context.Context, op, sql string, args []any) (*domain.Record, time.Time) {
	rec, start := w.newRecord(op, sql, args)
	w.emit(ctx, rec)
	return rec, start
}

func (w *Watcher) newRecord(op, sql string, args []any) (*domain.Record, time.Time) {
	start := time.Now()
	fields := []domain.Field{domain.F(FieldOperation, op)}
	if w.database != "" {
		fields = append(fields, domain.F(FieldDB, w.database))
	}
	fields = append(fields, w.defaultFields...)
	fields = append(fields, w.ops[op].ArgFields([]domain.Arg{
		{Name: "sql", Value: sql},
		{Name: "args", Value: args},
	})...)
	fields = append(fields, domain.F(FieldStartTime, start), domain.F(FieldDuration, 0.0))

	rec := domain.NewRecord(w.timeout, fields...)
	rec.DefaultKeys = w.defaultKeys
	return rec, start
}

func (w *Watcher) finish(ctx context.Context, rec *domain.Record, op string, start time.Time, result any, err error) {
	end := time.Now()
	fields := []domain.Field{
		domain.F(FieldEndTime, end),
		domain.F(FieldDuration, end.Sub(start).Seconds()),
	}
	if err != nil {
		fields = append(fields, domain.F(FieldError, err.Error()))
		w.inst.IncrementQueryErrors(ctx)
	} else {
		fields = append(fields, w.ops[op].ResultFields(result)...)
		w.inst.IncrementQueryCount(ctx)
	}
	w.inst.RecordQueryDuration(ctx, float64(end.Sub(start).Milliseconds()))

	rec.Update(domain.Patch{Fields: fields})
	rec.Finalize()
	w.emit(ctx, rec)
}

// emit never fails the caller's operation: a rejected record is only logged.
func (w *Watcher) emit(ctx context.Context, rec *domain.Record) {
	if err := w.emitter.Emit(ctx, rec); err != nil {
		w.logger.DebugContext(ctx, "record not emitted",
			slog.String("watch.id", rec.ID().String()),
			slog.String("error", err.Error()),
		)
	}
}

// WatchedRows is a pgx.Rows whose iteration is reported on its record.
type WatchedRows struct {
	pgx.Rows

	w     *Watcher
	ctx   context.Context
	span  trace.Span
	rec   *domain.Record
	start time.Time
	count int64
	done  bool
}

// Next advances the cursor, counts the row, reschedules the record's timeout
// and emits the new version.
func (r *WatchedRows) Next() bool {
	if r.done {
		return false
	}
	more := r.Rows.Next()
	if !more {
		r.complete()
		return false
	}
	r.count++
	r.rec.Update(domain.Patch{
		Fields: []domain.Field{
			domain.F(FieldMatchedCount, r.count),
			domain.F(FieldDuration, time.Since(r.start).Seconds()),
		},
		Timeout: r.w.timeout,
	})
	r.w.emit(r.ctx, r.rec)
	return true
}

// Close releases the cursor and finalizes the record if Next has not already.
func (r *WatchedRows) Close() {
	r.Rows.Close()
	r.complete()
}

// MatchedCount reports the rows read so far.
func (r *WatchedRows) MatchedCount() int64 { return r.count }

// Record exposes the record tracking this cursor.
func (r *WatchedRows) Record() *domain.Record { return r.rec }

func (r *WatchedRows) complete() {
	if r.done {
		return
	}
	r.done = true
	err := r.Rows.Err()
	r.w.finish(r.ctx, r.rec, OpQuery, r.start, nil, err)
	r.span.SetAttributes(attribute.Int64("db.response.rows", r.count))
	endSpan(r.span, err)
	r.span.End()
}

type watchedRow struct {
	row   pgx.Row
	w     *Watcher
	ctx   context.Context
	span  trace.Span
	rec   *domain.Record
	start time.Time
}

func (r *watchedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	var result any
	switch {
	case err == nil:
		result = dest
	case errors.Is(err, pgx.ErrNoRows):
		// No row is a result, not a failure.
		r.w.finish(r.ctx, r.rec, OpQueryRow, r.start, nil, nil)
		r.span.End()
		return err
	}
	r.w.finish(r.ctx, r.rec, OpQueryRow, r.start, result, err)
	endSpan(r.span, err)
	r.span.End()
	return err
}
