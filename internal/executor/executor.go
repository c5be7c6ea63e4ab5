// Package executor holds the business-side handlers that run a claimed
// notification. Executors must tolerate being invoked more than once for the
// same payload.
package executor

import (
	"context"

	"github.com/rs/zerolog"

	"async-notify/internal/models"
)

const (
	TypeLog     = "log"
	TypeWebhook = "webhook"
	TypeKafka   = "kafka"
)

// Result is what an executor reports back to the processor.
type Result struct {
	Success bool
	Message string
}

// Executor runs one notification payload.
type Executor interface {
	Execute(ctx context.Context, payload models.Payload) Result
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, payload models.Payload) Result

func (f Func) Execute(ctx context.Context, payload models.Payload) Result { return f(ctx, payload) }

// LogExecutor records the notification and reports success. It is the default
// when a provider has no business handler configured.
type LogExecutor struct {
	logger zerolog.Logger
}

func NewLogExecutor(logger zerolog.Logger) *LogExecutor {
	return &LogExecutor{logger: logger}
}

func (e *LogExecutor) Execute(_ context.Context, payload models.Payload) Result {
	e.logger.Info().
		Str("order_ref", payload.OrderRef).
		Str("transaction_id", payload.TransactionID).
		Str("trade_status", payload.TradeStatus).
		Float64("amount", payload.Amount).
		Msg("payment notification processed")
	return Result{Success: true, Message: "logged"}
}
