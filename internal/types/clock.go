package types

import "time"

// Clock abstracts time so schedulers and signature checks can be tested with
// a fixed instant.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
