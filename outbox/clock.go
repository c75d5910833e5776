package outbox

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock abstracts time and tickers so tests can drive virtual time.
type Clock = clockwork.Clock

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return clockwork.NewRealClock()
}

func utcNow(clock Clock) time.Time {
	return clock.Now().UTC().Truncate(time.Microsecond)
}
