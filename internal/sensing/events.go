// Package sensing models the boundary with the external sensing engine.
//
// The engine reports through four callbacks: aggregated physiology metrics,
// low-latency edge metrics carrying face landmarks, decoded video frames and
// imaging status changes. Here they are typed events delivered to a Handler.
// Timestamps are engine microseconds.
package sensing

import (
	"context"

	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

// Rate is one rate estimate with its confidence.
type Rate struct {
	Value      float32 `json:"value"`
	Confidence float32 `json:"confidence"`
}

// CoreMetrics is the aggregated metrics output. The first element of each
// slice is the current estimate; empty slices mean no estimate this round.
type CoreMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Pulse     []Rate `json:"pulse,omitempty"`
	Breathing []Rate `json:"breathing,omitempty"`
	Talking   []bool `json:"talking,omitempty"`
}

// EdgeMetrics carries the latest dense face landmark set, in pixels.
type EdgeMetrics struct {
	Timestamp int64           `json:"timestamp"`
	Landmarks []types.Point2D `json:"landmarks,omitempty"`
}

// StatusChange reports an imaging or processing status transition.
type StatusChange struct {
	Timestamp   int64  `json:"timestamp"`
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// Handler receives sensing output. Implementations must not retain the
// slices in the events they are given without copying.
type Handler interface {
	OnCoreMetrics(CoreMetrics)
	OnEdgeMetrics(EdgeMetrics)
	OnFrame(*types.Frame)
	OnStatus(StatusChange)
}

// Event is one item of sensing output. Exactly one field is set.
type Event struct {
	Core   *CoreMetrics
	Edge   *EdgeMetrics
	Frame  *types.Frame
	Status *StatusChange
}

// Dispatch delivers events to h in arrival order until the channel is
// closed or ctx is done. It returns ctx.Err() on cancellation and nil when
// the channel closes.
func Dispatch(ctx context.Context, events <-chan Event, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			Deliver(ev, h)
		}
	}
}

// Deliver hands a single event to the matching Handler method.
func Deliver(ev Event, h Handler) {
	switch {
	case ev.Core != nil:
		h.OnCoreMetrics(*ev.Core)
	case ev.Edge != nil:
		h.OnEdgeMetrics(*ev.Edge)
	case ev.Frame != nil:
		h.OnFrame(ev.Frame)
	case ev.Status != nil:
		h.OnStatus(*ev.Status)
	}
}

// Source produces sensing events until it is exhausted or ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}
