//go:build linux || darwin

package rlimit

import "testing"

func TestRaiseNoFileDoesNotLowerTheSoftLimit(t *testing.T) {
	before, after, err := RaiseNoFile()
	if err != nil {
		t.Fatalf("RaiseNoFile: %v", err)
	}
	if after < before {
		t.Fatalf("soft limit decreased: before=%d after=%d", before, after)
	}
}
