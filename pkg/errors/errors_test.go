package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := Validation("zero amount")
	assert.True(t, Is(err, E(KindValidation)))
	assert.False(t, Is(err, E(KindOverflow)))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := Wrap(KindInternal, cause, "journal write failed")

	assert.Equal(t, cause, Unwrap(err))
	assert.Contains(t, err.Error(), "journal write failed")
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := Dust("order would receive nothing")
	outer := fmt.Errorf("placing order: %w", inner)

	assert.Equal(t, KindDust, KindOf(outer))
	assert.True(t, Is(outer, E(KindDust)))
}

func TestKindOfUntyped(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
}

func TestMessageSentinelMatching(t *testing.T) {
	a := Precondition("position is margin called")
	assert.True(t, Is(a, Precondition("position is margin called")))
	assert.False(t, Is(a, Precondition("other")))
}
