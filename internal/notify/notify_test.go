package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestThrottleAllowsFirstThenBlocksWithinInterval(t *testing.T) {
	th := NewThrottle(50 * time.Millisecond)
	assert.True(t, th.allow("k"))
	assert.False(t, th.allow("k"))
}

func TestThrottleAllowsAgainAfterIntervalElapses(t *testing.T) {
	th := NewThrottle(10 * time.Millisecond)
	assert.True(t, th.allow("k"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, th.allow("k"))
}

func TestThrottleKeysAreIndependent(t *testing.T) {
	th := NewThrottle(time.Minute)
	assert.True(t, th.allow("a"))
	assert.True(t, th.allow("b"))
}

func TestNewWithEmptyTokenAndCredsDisablesBothChannels(t *testing.T) {
	svc := New("", "", "", zap.NewNop().Sugar())
	assert.Nil(t, svc.bot)
	assert.Nil(t, svc.fcmClient)
}

func TestNotifyWithNoChannelsConfiguredIsANoOp(t *testing.T) {
	svc := New("", "", "", zap.NewNop().Sugar())
	assert.NotPanics(t, func() {
		svc.Notify(EventEntry, "t1", "hello")
	})
}
