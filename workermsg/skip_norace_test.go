//go:build !race

package workermsg

import "testing"

func skipRace(testing.TB) {}
