package bridging

import (
	"context"
	"time"
)

// ThresholdPublisher is the subset of RelationalStore the retrainer needs
// to persist a freshly retrained threshold.
type ThresholdPublisher interface {
	PublishMLThreshold(ctx context.Context, threshold float64, publishedAt time.Time) error
}

// StubRetrainer publishes a fixed recalculated constant on each weekly
// run. A real training pipeline lives outside this service; this keeps
// the publish/override plumbing exercised until one feeds it.
type StubRetrainer struct {
	store ThresholdPublisher
	// Value is the threshold every retrain publishes.
	Value float64
}

// NewStubRetrainer constructs a retrainer that always publishes Value
// (default 0.65).
func NewStubRetrainer(store ThresholdPublisher) *StubRetrainer {
	return &StubRetrainer{store: store, Value: 0.65}
}

// Retrain publishes the stub threshold and returns it.
func (r *StubRetrainer) Retrain(ctx context.Context) (float64, error) {
	now := time.Now()
	if err := r.store.PublishMLThreshold(ctx, r.Value, now); err != nil {
		return 0, err
	}
	return r.Value, nil
}
