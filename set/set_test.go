package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetInsert(t *testing.T) {
	var s Set[string]
	assert.False(t, s.Contains("a"))
	assert.Equal(t, 0, s.Len())

	assert.True(t, s.Insert("a"))
	assert.False(t, s.Insert("a"), "second insert of the same value reports a duplicate")
	assert.True(t, s.Contains("a"))
	assert.Equal(t, 1, s.Len())
}
