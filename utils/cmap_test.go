package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCMap(t *testing.T) {
	var m CMap[string, int]

	m.Store("a", 1)
	m.Store("b", 2)

	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, m.Len())

	sum := 0
	m.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 3, sum)

	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}
