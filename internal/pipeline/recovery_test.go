package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

func TestRecoveryLayers(t *testing.T) {
	r := newRecovery(3, time.Second, 10*time.Second)
	now := time.Unix(1000, 0)

	assert.Equal(t, types.CameraDisconnected, r.state)
	assert.Zero(t, r.retryDelay(now), "first attempt after startup is immediate")

	tr := r.readSucceeded()
	assert.Equal(t, transition{types.CameraDisconnected, types.CameraConnected}, tr)

	tr = r.readFailed()
	assert.Equal(t, transition{types.CameraConnected, types.CameraDegraded}, tr)
	assert.Equal(t, time.Second, r.retryDelay(now))

	for i := 0; i < 2; i++ {
		now = now.Add(time.Second)
		tr = r.reopenFailed(now)
		assert.False(t, tr.changed())
		assert.Equal(t, time.Second, r.retryDelay(now))
	}

	now = now.Add(time.Second)
	tr = r.reopenFailed(now)
	assert.Equal(t, transition{types.CameraDegraded, types.CameraDisconnected}, tr)
	assert.Equal(t, 10*time.Second, r.retryDelay(now))
	assert.Equal(t, 4*time.Second, r.retryDelay(now.Add(6*time.Second)))

	now = now.Add(10 * time.Second)
	tr = r.reopenFailed(now)
	assert.False(t, tr.changed())
	assert.Equal(t, types.CameraDisconnected, r.state)
	assert.Equal(t, 10*time.Second, r.retryDelay(now))

	tr = r.readSucceeded()
	assert.Equal(t, types.CameraConnected, tr.to)
	assert.Zero(t, r.quickAttempts)
}

func TestReadFailedOnlyLeavesConnected(t *testing.T) {
	r := newRecovery(3, time.Second, 10*time.Second)
	assert.False(t, r.readFailed().changed())
	assert.Equal(t, types.CameraDisconnected, r.state)
}

func TestQuickRetriesResetOnReentry(t *testing.T) {
	r := newRecovery(2, time.Second, 10*time.Second)
	now := time.Unix(0, 0)

	r.readSucceeded()
	r.readFailed()
	r.reopenFailed(now)
	r.readSucceeded()

	r.readFailed()
	assert.False(t, r.reopenFailed(now).changed(), "count restarted after reconnect")
	assert.True(t, r.reopenFailed(now).changed())
}
