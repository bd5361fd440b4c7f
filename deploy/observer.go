package deploy

import (
	"context"
	"time"
)

// Observer is notified of rollout progress. Implementations must not block.
type Observer interface {
	AttemptStarted(ctx context.Context, a Attempt)
	BatchCompleted(ctx context.Context, a Attempt, batch int, took time.Duration)
	AttemptFinished(ctx context.Context, a Attempt)
}

// NopObserver implements Observer with no-ops; embed it to implement a
// subset of the methods.
type NopObserver struct{}

func (NopObserver) AttemptStarted(context.Context, Attempt)                     {}
func (NopObserver) BatchCompleted(context.Context, Attempt, int, time.Duration) {}
func (NopObserver) AttemptFinished(context.Context, Attempt)                    {}

type observers []Observer

func (o observers) started(ctx context.Context, a Attempt) {
	for _, ob := range o {
		ob.AttemptStarted(ctx, a.Clone())
	}
}

func (o observers) batch(ctx context.Context, a Attempt, batch int, took time.Duration) {
	for _, ob := range o {
		ob.BatchCompleted(ctx, a.Clone(), batch, took)
	}
}

func (o observers) finished(ctx context.Context, a Attempt) {
	for _, ob := range o {
		ob.AttemptFinished(ctx, a.Clone())
	}
}
