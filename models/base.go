package models

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/ge_backend/models")

// runCommand executes fn in one database transaction under a span named after the command.
// Inconsistent-ledger failures are reported after the rollback so the report itself survives.
func runCommand(ctx context.Context, name string, actor Actor, fn func(tx *gorm.DB) error) error {
	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("actor.id", actor.Id),
			attribute.String("correlation.id", correlationIdFromContextOrNew(ctx)),
		),
	)
	defer span.End()

	db := config.GetDB()
	if db == nil {
		return errors.New("database is not connected")
	}
	err := db.WithContext(ctx).Transaction(fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var ile *InconsistentLedgerError
		if errors.As(err, &ile) {
			reportInconsistentLedger(ctx, ile)
		}
	}
	return err
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
