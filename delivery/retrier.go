package delivery

import (
	"time"

	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/queue"
)

// Decision is the outcome of evaluating a processing attempt.
type Decision int

const (
	// Ack means the event was delivered and the message is deleted.
	Ack Decision = iota

	// Release means the message becomes visible again after a backoff.
	Release

	// DeadLetter means the message is moved to the dead letter queue.
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Release:
		return "release"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// DefaultRetrySchedule is the backoff applied on successive releases.
var DefaultRetrySchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// Retrier decides what to do after a processing attempt.
type Retrier struct {
	schedule    []time.Duration
	maxAttempts int
}

// NewRetrier creates a retrier. A maxAttempts of 0 retries forever.
func NewRetrier(schedule []time.Duration, maxAttempts int) *Retrier {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return &Retrier{schedule: schedule, maxAttempts: maxAttempts}
}

// Decide determines what to do with a message after an attempt.
//
// Decision matrix:
//   - success → Ack
//   - invalid token or undecodable message → DeadLetter (redelivery cannot help)
//   - anything else → Release while DequeueCount < maxAttempts, else DeadLetter
func (r *Retrier) Decide(res Result, msg *queue.Message) Decision {
	if res.Succeeded {
		return Ack
	}
	if failure.Permanent(res.Err) {
		return DeadLetter
	}
	if r.maxAttempts > 0 && msg.DequeueCount >= r.maxAttempts {
		return DeadLetter
	}
	return Release
}

// Backoff returns the delay before the next attempt of a message claimed dequeueCount times.
func (r *Retrier) Backoff(dequeueCount int) time.Duration {
	idx := dequeueCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.schedule) {
		idx = len(r.schedule) - 1
	}
	return r.schedule[idx]
}
