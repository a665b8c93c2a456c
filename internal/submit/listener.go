package submit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/SWAI-Ltd/aerorelay/internal/messaging"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
)

// Confirmer accepts submission outcomes.
type Confirmer interface {
	Confirm(ctx context.Context, c relay.Confirmation) error
}

// ResultListener feeds submitter results into the engine. A message is
// acknowledged only once the engine has persisted its outcome.
type ResultListener struct {
	consumer   messaging.Consumer
	engine     Confirmer
	retryDelay time.Duration
	log        *slog.Logger
}

// NewResultListener reads results from consumer.
func NewResultListener(consumer messaging.Consumer, engine Confirmer, logger *slog.Logger) *ResultListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultListener{
		consumer:   consumer,
		engine:     engine,
		retryDelay: time.Second,
		log:        logger.With("component", "result-listener"),
	}
}

// Run consumes until ctx is done or the consumer is closed.
func (l *ResultListener) Run(ctx context.Context) error {
	for {
		msg, ack, err := l.consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, messaging.ErrClosed) {
				return nil
			}
			l.log.Warn("consume failed", "err", err)
			select {
			case <-time.After(l.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		ack(l.handle(ctx, msg))
	}
}

// handle reports whether msg may be acknowledged.
func (l *ResultListener) handle(ctx context.Context, msg *messaging.Message) bool {
	var res Result
	if err := json.Unmarshal(msg.Value, &res); err != nil {
		l.log.Error("discarding malformed result", "err", err)
		return true
	}
	c, err := res.Confirmation()
	if err != nil {
		l.log.Error("discarding result", "request_id", res.RequestID, "err", err)
		return true
	}
	if err := l.engine.Confirm(ctx, c); err != nil {
		l.log.Warn("confirmation not applied", "id", res.Identity.String(), "err", err)
		return false
	}
	return true
}
