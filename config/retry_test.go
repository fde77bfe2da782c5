package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, connectBackoff(1))
	assert.Equal(t, 16*time.Second, connectBackoff(4))
	assert.Equal(t, 30*time.Second, connectBackoff(5))
	assert.Equal(t, 30*time.Second, connectBackoff(40))
}

func TestTxRetrySettings_Backoff(t *testing.T) {
	s := TxRetrySettings{BaseBackoff: 20 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}
	assert.Equal(t, 20*time.Millisecond, s.Backoff(1))
	assert.Equal(t, 40*time.Millisecond, s.Backoff(2))
	assert.Equal(t, 100*time.Millisecond, s.Backoff(4))
}
