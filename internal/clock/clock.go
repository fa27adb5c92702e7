// Package clock provides the single time source used across the daemon.
// All persisted timestamps are unix milliseconds from one Clock so ordering
// within a user key is total. Tests inject a fake.
package clock

import "time"

// Clock yields the current time in unix milliseconds.
type Clock interface {
	NowMs() int64
	Now() time.Time
}

// System is the wall-clock implementation.
type System struct{}

func (System) NowMs() int64   { return time.Now().UnixMilli() }
func (System) Now() time.Time { return time.Now() }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	Ms int64
}

func (f *Fake) NowMs() int64   { return f.Ms }
func (f *Fake) Now() time.Time { return time.UnixMilli(f.Ms) }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.Ms += d.Milliseconds() }
