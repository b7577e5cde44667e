package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/panguard-ai/panguard-guard/internal/config"
)

func TestPolicy_TierBoundsAreInclusive(t *testing.T) {
	p := Policy{AutoRespond: 85, NotifyAndWait: 50, LogOnly: 10}

	tests := []struct {
		confidence int
		want       Tier
	}{
		{100, TierAutoRespond},
		{85, TierAutoRespond},
		{84, TierNotifyAndWait},
		{50, TierNotifyAndWait},
		{49, TierLogOnly},
		{10, TierLogOnly},
		{9, TierIgnored},
		{0, TierIgnored},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Tier(tt.confidence), "confidence %d", tt.confidence)
	}
}

func TestPolicy_ZeroLogOnlyNeverIgnores(t *testing.T) {
	p := PolicyFromConfig(config.Default().Policy)
	assert.Equal(t, TierLogOnly, p.Tier(0))
}

func TestPolicy_LearningCapsAutoResponse(t *testing.T) {
	p := Policy{AutoRespond: 85, NotifyAndWait: 50, LogOnly: 0}

	assert.Equal(t, TierAutoRespond, p.TierFor(90, config.ModeProtection))
	assert.Equal(t, TierNotifyAndWait, p.TierFor(90, config.ModeLearning))
	assert.Equal(t, TierLogOnly, p.TierFor(20, config.ModeLearning))
}

func TestState_Running(t *testing.T) {
	assert.True(t, StateLearning.Running())
	assert.True(t, StateProtection.Running())
	for _, s := range []State{StateStopped, StateStarting, StateStopping, StateError} {
		assert.False(t, s.Running(), s)
	}
}
