//go:build !race

package thread

import "testing"

func skipRace(testing.TB) {}
