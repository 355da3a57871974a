package testutil

import (
	"testing"

	"github.com/quay/quay-sub006/registry/internal"
)

// StubClock replaces the clock pointed to by target with mock. The original clock is restored after tb completes.
func StubClock(tb testing.TB, target *internal.Clock, mock internal.Clock) {
	tb.Helper()

	bkp := *target
	*target = mock
	tb.Cleanup(func() { *target = bkp })
}
