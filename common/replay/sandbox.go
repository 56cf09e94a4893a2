// Package replay executes workflow functions deterministically against a
// run's event log. Completed capability results are answered from the log;
// the first unanswered capability suspends the replay and surfaces the work
// that must happen before the next attempt.
package replay

import (
	"hash/fnv"
	"math/rand"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// Sandbox supplies the deterministic substitutes for ambient sources a
// workflow would otherwise reach for. Time advances only when the log does;
// identifiers derive from the run id and a call counter, so every replay of
// the same prefix observes the same values.
type Sandbox struct {
	runID     string
	now       time.Time
	ulidCalls int
}

// NewSandbox creates a sandbox for one run. The base time is the run's
// creation instant.
func NewSandbox(runID string, base time.Time) *Sandbox {
	return &Sandbox{runID: runID, now: base.UTC()}
}

// Now returns the logical clock. It never reads the wall clock.
func (s *Sandbox) Now() time.Time {
	return s.now
}

// advance moves the logical clock forward to t. The clock never goes back.
func (s *Sandbox) advance(t time.Time) {
	if t.After(s.now) {
		s.now = t.UTC()
	}
}

// ULID returns a deterministic ULID. The timestamp comes from the logical
// clock and the entropy from the run id and call ordinal, so the nth call
// yields the same id on every replay.
func (s *Sandbox) ULID() string {
	seed := fnv.New64a()
	seed.Write([]byte(s.runID))
	seed.Write([]byte("/"))
	seed.Write([]byte(strconv.Itoa(s.ulidCalls)))
	s.ulidCalls++

	rng := rand.New(rand.NewSource(int64(seed.Sum64())))
	return ulid.MustNew(ulid.Timestamp(s.now), rng).String()
}
