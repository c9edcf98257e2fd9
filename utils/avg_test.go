package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvgVal(t *testing.T) {
	a := &AvgVal{}
	a.Add(10)
	a.Add(20)
	a.Add(30)
	assert.InDelta(t, 20, a.Val(), 0.001)
	assert.Equal(t, 3, a.Count())
}
