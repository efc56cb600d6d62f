package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArraySetAddAndDrain(t *testing.T) {
	var s ArraySet
	s.Add("a")
	s.Add("b")
	s.Add("a")

	got := s.GetAllAndClear()
	assert.ElementsMatch(t, []interface{}{"a", "b"}, got)
	assert.Empty(t, s.GetAllAndClear())
}

func TestArraySetEmptyDrain(t *testing.T) {
	var s ArraySet
	assert.Empty(t, s.GetAllAndClear())
}
