// Package notify delivers synchronization results to the UI layer.
package notify

import (
	"donationsync/internal/model"
	"donationsync/internal/syncerr"
)

// Sink consumes everything the synchronization engine reports.
// Implementations must be safe for concurrent use.
type Sink interface {
	OnBaselineReady(baseline model.Baseline)
	OnEvent(event model.DecodedEvent)
	OnStatus(message string, severity syncerr.Severity)
	OnAuthorization(auth model.Authorization)
	OnDecodeError(decodeErr model.DecodeError)
}

// Fanout forwards every call to each sink in order.
type Fanout []Sink

func (f Fanout) OnBaselineReady(baseline model.Baseline) {
	for _, s := range f {
		s.OnBaselineReady(baseline)
	}
}

func (f Fanout) OnEvent(event model.DecodedEvent) {
	for _, s := range f {
		s.OnEvent(event)
	}
}

func (f Fanout) OnStatus(message string, severity syncerr.Severity) {
	for _, s := range f {
		s.OnStatus(message, severity)
	}
}

func (f Fanout) OnAuthorization(auth model.Authorization) {
	for _, s := range f {
		s.OnAuthorization(auth)
	}
}

func (f Fanout) OnDecodeError(decodeErr model.DecodeError) {
	for _, s := range f {
		s.OnDecodeError(decodeErr)
	}
}
