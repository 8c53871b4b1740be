package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, BackoffExponential, p.Backoff.Type)
	assert.Equal(t, 2*time.Second, p.Backoff.Delay)
	assert.True(t, p.RemoveOnComplete)
	assert.False(t, p.RemoveOnFail)
}

func TestDelayFor(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.DelayFor(1))
	assert.Equal(t, 4*time.Second, p.DelayFor(2))
	assert.Equal(t, 8*time.Second, p.DelayFor(3))

	p.Backoff.Type = BackoffFixed
	assert.Equal(t, 2*time.Second, p.DelayFor(1))
	assert.Equal(t, 2*time.Second, p.DelayFor(3))

	p.Backoff.Delay = 0
	assert.Equal(t, time.Duration(0), p.DelayFor(2))
}

func TestDecide(t *testing.T) {
	p := DefaultPolicy()
	boom := errors.New("boom")

	action, delay := decide(p, 1, nil)
	assert.Equal(t, ActionComplete, action)
	assert.Zero(t, delay)

	action, delay = decide(p, 1, boom)
	assert.Equal(t, ActionRetry, action)
	assert.Equal(t, 2*time.Second, delay)

	action, delay = decide(p, 2, boom)
	assert.Equal(t, ActionRetry, action)
	assert.Equal(t, 4*time.Second, delay)

	action, _ = decide(p, 3, boom)
	assert.Equal(t, ActionFail, action)

	action, _ = decide(p, 1, Permanent(boom))
	assert.Equal(t, ActionFail, action)

	action, _ = decide(p, 1, fmt.Errorf("%w: x", ErrUnknownJobType))
	assert.Equal(t, ActionFail, action)
}

func TestPermanentUnwraps(t *testing.T) {
	boom := errors.New("boom")
	err := Permanent(boom)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, Permanent(nil))
}
