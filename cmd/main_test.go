package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"price-extractor/internal/types"
)

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(types.RunSucceeded))
	assert.Equal(t, 0, exitCodeFor(types.RunPartial))
	assert.Equal(t, 1, exitCodeFor(types.RunFailed))
	assert.Equal(t, 2, exitCodeFor(types.RunAborted))
}

func TestFlagKeysAreRegistered(t *testing.T) {
	// every mapped flag must exist on at least one command
	for name := range flagKeys {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Flags().Lookup(name) != nil || cmd.PersistentFlags().Lookup(name) != nil {
				found = true
			}
		}
		assert.True(t, found, name)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "Leche", truncate(" Leche ", 10))
	assert.Equal(t, "Mantequil…", truncate("Mantequilla con sal", 10))
}
