//go:build race

package thread

import "testing"

// skipRace skips tests that move messages over lfq SPSC rings, or poll
// slots published with release/acquire ordering. The race detector tracks
// happens-before per variable, so it reports the cross-variable ordering
// these rely on as races.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: lock-free transport uses cross-variable memory ordering")
}
