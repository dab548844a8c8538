package mirror

import "time"

// Clock abstracts time for the poll loop so tests can drive ticks directly.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the poll loop needs.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// realClock implements Clock using the time package.
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Ticker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time {
	return r.t.C
}

func (r *realTicker) Stop() {
	r.t.Stop()
}
