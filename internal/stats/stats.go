// Package stats accumulates run statistics from the two session channels.
//
// The recorder counts what happened on each channel; it does not prove that a
// given push event corresponds to a given send. Correlation stays loose, by
// logged identifiers.
package stats

import (
	"sync"
	"time"
)

// Outcome classifies one send attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// DeliveryRecord is the immutable result of exactly one send attempt.
type DeliveryRecord struct {
	MsgID   string
	Outcome Outcome
	Latency time.Duration
	Size    int
}

// RunStatistics is a read-only snapshot of the accumulated counters.
// Sent always equals successes plus failures; Received counts the push
// channel's independent view and may lead or lag Sent.
type RunStatistics struct {
	Sent         uint64
	Received     uint64
	Errors       uint64
	TotalLatency time.Duration
	TotalBytes   uint64
}

// Successes derives the successful-send count.
func (s RunStatistics) Successes() uint64 {
	return s.Sent - s.Errors
}

// AvgLatency is the mean latency across successful sends.
func (s RunStatistics) AvgLatency() time.Duration {
	n := s.Successes()
	if n == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(n)
}

// Recorder serializes increments from its two producers: send completions and
// push-event arrivals. Counters are monotonic; a sealed recorder ignores all
// further input so late push events cannot corrupt a finished run.
type Recorder struct {
	mu     sync.Mutex
	stats  RunStatistics
	sealed bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordSend folds one completed send attempt into the counters. Latency and
// bytes accumulate for successful attempts only.
func (r *Recorder) RecordSend(rec DeliveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.stats.Sent++
	if rec.Outcome == OutcomeSuccess {
		r.stats.TotalLatency += rec.Latency
		r.stats.TotalBytes += uint64(rec.Size)
	} else {
		r.stats.Errors++
	}
}

// RecordReceived counts one inbound push-channel event.
func (r *Recorder) RecordReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.stats.Received++
}

// Seal freezes the counters. Idempotent.
func (r *Recorder) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Snapshot returns a copy of the counters for reporting.
func (r *Recorder) Snapshot() RunStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
