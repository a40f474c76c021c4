package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementAttr = 120

// TracedPool wraps a DatabasePool and records a span per call.
type TracedPool struct {
	inner  DatabasePool
	tracer trace.Tracer
}

// NewTracedPool wraps pool. A nil tracer uses the global provider.
func NewTracedPool(pool DatabasePool, tracer trace.Tracer) *TracedPool {
	if tracer == nil {
		tracer = otel.Tracer("celebrum-distiller/database")
	}
	return &TracedPool{inner: pool, tracer: tracer}
}

func (p *TracedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := p.start(ctx, "db.query_row", sql)
	defer span.End()
	return p.inner.QueryRow(ctx, sql, args...)
}

func (p *TracedPool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := p.start(ctx, "db.exec", sql)
	defer span.End()
	tag, err := p.inner.Exec(ctx, sql, args...)
	if err != nil {
		recordDatabaseError(span, err)
		return tag, err
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	return tag, nil
}

func (p *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := p.start(ctx, "db.query", sql)
	defer span.End()
	rows, err := p.inner.Query(ctx, sql, args...)
	if err != nil {
		recordDatabaseError(span, err)
	}
	return rows, err
}

func (p *TracedPool) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span := p.tracer.Start(ctx, "db.begin", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	tx, err := p.inner.Begin(ctx)
	if err != nil {
		recordDatabaseError(span, err)
	}
	return tx, err
}

func (p *TracedPool) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}

func (p *TracedPool) start(ctx context.Context, name, sql string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", statementSummary(sql)),
		),
	)
}

// statementSummary collapses whitespace and truncates long statements.
func statementSummary(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > maxStatementAttr {
		s = s[:maxStatementAttr] + "..."
	}
	return s
}

func recordDatabaseError(span trace.Span, err error) {
	if err == pgx.ErrNoRows {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
