package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/relay"
)

func TestParseStates(t *testing.T) {
	got, err := parseStates("failed, Expired,awaiting_confirmation")
	require.NoError(t, err)
	assert.Equal(t, []relay.State{relay.StateFailed, relay.StateExpired, relay.StateAwaitingConfirmation}, got)

	got, err = parseStates("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseStates("failed,lost")
	assert.Error(t, err)
}
