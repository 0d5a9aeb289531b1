package ulid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_Monotonic(t *testing.T) {
	now := time.Now()
	prev := NewAt(now)
	for i := 0; i < 100; i++ {
		next := NewAt(now)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(New()))
	assert.False(t, IsValid(""))
	assert.False(t, IsValid("not-a-ulid"))
}
