// Package notifytest provides a recording notify.Sink for tests.
package notifytest

import (
	"sync"

	"donationsync/internal/model"
	"donationsync/internal/syncerr"
)

// Status is one recorded OnStatus call.
type Status struct {
	Message  string
	Severity syncerr.Severity
}

// Recorder stores every notification it receives.
type Recorder struct {
	mu           sync.Mutex
	baselines    []model.Baseline
	events       []model.DecodedEvent
	statuses     []Status
	auths        []model.Authorization
	decodeErrors []model.DecodeError
}

func (r *Recorder) OnBaselineReady(baseline model.Baseline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines = append(r.baselines, baseline)
}

func (r *Recorder) OnEvent(event model.DecodedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) OnStatus(message string, severity syncerr.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, Status{Message: message, Severity: severity})
}

func (r *Recorder) OnAuthorization(auth model.Authorization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auths = append(r.auths, auth)
}

func (r *Recorder) OnDecodeError(decodeErr model.DecodeError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decodeErrors = append(r.decodeErrors, decodeErr)
}

func (r *Recorder) Baselines() []model.Baseline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Baseline(nil), r.baselines...)
}

func (r *Recorder) Events() []model.DecodedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.DecodedEvent(nil), r.events...)
}

func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *Recorder) Authorizations() []model.Authorization {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Authorization(nil), r.auths...)
}

func (r *Recorder) DecodeErrors() []model.DecodeError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.DecodeError(nil), r.decodeErrors...)
}

// EventBlocks returns the block number of every recorded event, in order.
func (r *Recorder) EventBlocks() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	blocks := make([]uint64, 0, len(r.events))
	for _, ev := range r.events {
		blocks = append(blocks, ev.BlockNumber)
	}
	return blocks
}

// HasStatus reports whether a status with severity was recorded.
func (r *Recorder) HasStatus(severity syncerr.Severity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s.Severity == severity {
			return true
		}
	}
	return false
}
