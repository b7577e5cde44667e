package guard

import (
	"github.com/panguard-ai/panguard-guard/internal/config"
)

// State is the guard engine lifecycle state
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateLearning   State = "learning"
	StateProtection State = "protection"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

// AllStates lists every state, for exporting as a gauge
var AllStates = []string{
	string(StateStopped), string(StateStarting), string(StateLearning),
	string(StateProtection), string(StateStopping), string(StateError),
}

// Running reports whether the engine is processing events
func (s State) Running() bool {
	return s == StateLearning || s == StateProtection
}

// Tier is the response tier a verdict falls into
type Tier string

const (
	TierAutoRespond   Tier = "auto_respond"
	TierNotifyAndWait Tier = "notify_and_wait"
	TierLogOnly       Tier = "log_only"
	TierIgnored       Tier = "ignored"
)

// Policy maps verdict confidence to a response tier. Lower bounds are
// inclusive.
type Policy struct {
	AutoRespond   int
	NotifyAndWait int
	LogOnly       int
}

// PolicyFromConfig builds a policy from validated configuration
func PolicyFromConfig(c config.ActionPolicyConfig) Policy {
	return Policy{AutoRespond: c.AutoRespond, NotifyAndWait: c.NotifyAndWait, LogOnly: c.LogOnly}
}

// Tier returns the tier for a confidence value
func (p Policy) Tier(confidence int) Tier {
	switch {
	case confidence >= p.AutoRespond:
		return TierAutoRespond
	case confidence >= p.NotifyAndWait:
		return TierNotifyAndWait
	case confidence >= p.LogOnly:
		return TierLogOnly
	default:
		return TierIgnored
	}
}

// TierFor applies the mode cap: no autonomous response while learning
func (p Policy) TierFor(confidence int, mode string) Tier {
	t := p.Tier(confidence)
	if t == TierAutoRespond && mode == config.ModeLearning {
		return TierNotifyAndWait
	}
	return t
}
