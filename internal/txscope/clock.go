package txscope

import "time"

// Clock supplies frame timestamps.
//
// Each transaction frame reads the clock exactly once, when it is pushed.
// Every entity retired or created inside that frame carries that one time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}
