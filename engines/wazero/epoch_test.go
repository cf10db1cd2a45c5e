package wazero

import (
	"context"
	"testing"
)

func TestEpochClock(t *testing.T) {
	t.Run("Interrupts After Deadline", func(t *testing.T) {
		clock := newEpochClock()
		callCtx, finish := clock.arm(context.Background(), 2)

		clock.increment()
		if callCtx.Err() != nil {
			t.Errorf("Call cancelled before its deadline elapsed")
		}

		clock.increment()
		if callCtx.Err() == nil {
			t.Errorf("Call not cancelled once its deadline elapsed")
		}
		if !finish() {
			t.Errorf("Expected the call to be reported as interrupted")
		}
	})

	t.Run("Finish Before Deadline", func(t *testing.T) {
		clock := newEpochClock()
		callCtx, finish := clock.arm(context.Background(), 5)

		clock.increment()
		if finish() {
			t.Errorf("Call reported as interrupted before its deadline")
		}
		// The finish function releases the derived context.
		if callCtx.Err() == nil {
			t.Errorf("Expected the call context to be released")
		}

		// Later ticks must not touch disarmed calls.
		clock.increment()
		clock.increment()
		clock.increment()
		clock.increment()
	})

	t.Run("Deadlines Are Relative To Arming", func(t *testing.T) {
		clock := newEpochClock()
		clock.increment()
		clock.increment()

		callCtx, finish := clock.arm(context.Background(), 2)
		clock.increment()
		if callCtx.Err() != nil {
			t.Errorf("Deadline counted ticks that predate the call")
		}
		clock.increment()
		if !finish() {
			t.Errorf("Expected interruption two ticks after arming")
		}
	})

	t.Run("Independent Calls", func(t *testing.T) {
		clock := newEpochClock()
		shortCtx, finishShort := clock.arm(context.Background(), 1)
		longCtx, finishLong := clock.arm(context.Background(), 10)

		clock.increment()
		if shortCtx.Err() == nil {
			t.Errorf("Short call survived its deadline")
		}
		if longCtx.Err() != nil {
			t.Errorf("Long call cancelled early")
		}
		if !finishShort() {
			t.Errorf("Short call not reported as interrupted")
		}
		if finishLong() {
			t.Errorf("Long call reported as interrupted")
		}
	})
}
