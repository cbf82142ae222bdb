package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew_Unique(t *testing.T) {
	a := New()
	b := New()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestNew_ParsesAsUUID(t *testing.T) {
	id := New()
	assert.Len(t, string(id), 36)
	_, err := uuid.Parse(string(id))
	assert.NoError(t, err)
}
