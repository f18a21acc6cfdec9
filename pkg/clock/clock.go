package clock

import (
	"sync"
	"time"
)

const daySeconds = 86400

// Clock supplies current time to components that reason about
// cooldowns, daily windows and staleness.
type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// DayIndex returns the UTC epoch-day number for t.
func DayIndex(t time.Time) int64 {
	return t.Unix() / daySeconds
}

// StartOfDay returns 00:00 UTC of the epoch day containing t.
func StartOfDay(t time.Time) time.Time {
	return time.Unix(DayIndex(t)*daySeconds, 0).UTC()
}

func SameDay(a, b time.Time) bool {
	return DayIndex(a) == DayIndex(b)
}
