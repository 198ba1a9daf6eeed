package rewards

import "time"

// Event types emitted by the custodian and the validator path. Attributes use
// stable string keys so downstream audit sinks stay queryable.
const (
	EventLotGranted          = "rewards.lot.granted"
	EventGrantSkipped        = "rewards.grant.skipped"
	EventLotClaimed          = "rewards.lot.claimed"
	EventClaimSkipped        = "rewards.claim.skipped"
	EventTokenAdded          = "rewards.token.added"
	EventTokenRemoved        = "rewards.token.removed"
	EventTokenActivated      = "rewards.token.activated"
	EventEmergencyWithdrawal = "rewards.treasury.emergency_withdrawal"
	EventCustodianPaused     = "rewards.custodian.paused"
	EventCustodianUnpaused   = "rewards.custodian.unpaused"
)

// Event is an audit record describing a custodian state change or a skipped
// mutation with its reason.
type Event struct {
	Type       string
	Attributes map[string]string
	At         time.Time
}

// Emitter receives audit events. Implementations must not block the caller.
type Emitter interface {
	Emit(evt Event)
}

// NoopEmitter drops all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts ordinary functions to Emitter.
type EmitterFunc func(evt Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}
