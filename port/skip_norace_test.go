//go:build !race

package port

import "testing"

func skipRace(testing.TB) {}
