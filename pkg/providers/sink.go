package providers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
)

// Sink forwards callbacks to a CallbackSink bound after construction.
// Callbacks delivered before Bind are logged and dropped.
type Sink struct {
	mu     sync.RWMutex
	target engine.CallbackSink
	logger zerolog.Logger
}

var _ engine.CallbackSink = (*Sink)(nil)

// NewSink creates an unbound sink.
func NewSink(logger zerolog.Logger) *Sink {
	return &Sink{logger: logger}
}

// Bind sets the receiver of all later callbacks.
func (s *Sink) Bind(target engine.CallbackSink) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

func (s *Sink) bound() engine.CallbackSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Deliver implements engine.CallbackSink.
func (s *Sink) Deliver(ctx context.Context, cb engine.Callback) {
	target := s.bound()
	if target == nil {
		s.logger.Warn().
			Str("resource_id", cb.ResourceID).
			Int64("sequence", cb.Sequence).
			Msg("No callback sink bound, dropping callback")
		return
	}
	target.Deliver(ctx, cb)
}

// DeliverKey implements engine.CallbackSink.
func (s *Sink) DeliverKey(ctx context.Context, cb engine.KeyCallback) {
	target := s.bound()
	if target == nil {
		s.logger.Warn().
			Str("task_id", cb.TaskID).
			Str("resource_id", cb.ResourceID).
			Msg("No callback sink bound, dropping key callback")
		return
	}
	target.DeliverKey(ctx, cb)
}
