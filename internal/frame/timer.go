package frame

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// Timer tracks a per-stage frame rate and logs it periodically. Timer is
// not safe for concurrent use: Tick sits on the per-frame path and carries
// no lock, so each pipeline stage (encode, transport) creates its own and
// ticks it only from that stage's goroutine. Do not share one across
// stages.
type Timer struct {
	name     string
	log      *zerolog.Logger
	interval time.Duration

	count       uint64
	windowStart time.Time
}

// NewTimer creates a timer that logs the observed rate under the given stage
// name roughly every five seconds of activity.
func NewTimer(name string) *Timer {
	return &Timer{
		name:     name,
		log:      logger.WithComponent("timer"),
		interval: 5 * time.Second,
	}
}

// Tick records n processed frames and reports whether a rate line was logged.
func (t *Timer) Tick(n int) bool {
	now := time.Now()
	if t.windowStart.IsZero() {
		t.windowStart = now
		t.count = uint64(n)
		return false
	}

	t.count += uint64(n)
	elapsed := now.Sub(t.windowStart)
	if elapsed < t.interval {
		return false
	}

	rate := float64(t.count) / elapsed.Seconds()
	t.log.Debug().
		Str("stage", t.name).
		Uint64("frames", t.count).
		Float64("fps", rate).
		Msg("Frame rate")

	t.count = 0
	t.windowStart = now
	return true
}
