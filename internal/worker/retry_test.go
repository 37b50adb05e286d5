package worker

import (
	"testing"
	"time"

	"offlinequeue/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 8*time.Second, p.NextDelay(4))
	assert.Equal(t, 10*time.Second, p.NextDelay(5))
	assert.Equal(t, 10*time.Second, p.NextDelay(500))
}

func TestRetryPolicy_FromConfig(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{InitialDelay: "500ms", MaxDelay: "5s", BackoffFactor: 3})
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 1500*time.Millisecond, p.NextDelay(2))
}
