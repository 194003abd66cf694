package schedule

import "time"

// Clock supplies the current time. Services take a Clock instead of calling
// time.Now so tests can freeze it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }
