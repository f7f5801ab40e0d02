package clock

import (
	"fmt"
	"time"
)

// Retry re-runs op until it succeeds, waiting before every attempt.
// The delay starts at base and doubles up to max. The caller is
// expected to have tried op once inline already; Retry covers the
// follow-up attempts. It returns the last error once attempts are
// exhausted, or as soon as quit closes.
func Retry(c Clock, quit <-chan struct{}, attempts int, base, max time.Duration, op func() error) error {
	err := fmt.Errorf("no retry attempts made")
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		t := c.NewTicker(delay)
		select {
		case <-t.Chan():
			t.Stop()
		case <-quit:
			t.Stop()
			return err
		}
		if err = op(); err == nil {
			return nil
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return err
}
