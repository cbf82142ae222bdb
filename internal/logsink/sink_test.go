package logsink

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_PutWritesAndReturnsRef(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir)
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), "exec-1", []byte("log line one\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "log line one\n", string(data))
}

func TestFileSink_NoLeftoverTempFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "exec-2", []byte("data"))
	require.NoError(t, err)

	_, err = os.Stat(dir + "/exec-2.log.tmp")
	assert.True(t, os.IsNotExist(err))
}
