package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "port", "home"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "19993"}))
	port, err := cmd.Flags().GetInt("port")
	require.NoError(t, err)
	assert.Equal(t, 19993, port)
}
