package credkit

import "time"

// Clock provides the current time to components that reason about expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by the system time in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}
