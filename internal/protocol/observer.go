package protocol

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Transition represents a state change event.
type Transition struct {
	// Instance is the name of the protocol instance whose state changed.
	Instance string

	From      State
	To        State
	Timestamp time.Time

	// Reason is a human-readable description of why the transition occurred.
	Reason string

	// Error is the outcome carried by End or ErrorFatal, if any.
	Error error
}

// Observer receives notifications about state transitions.
// Notifications are delivered synchronously from the runner's goroutine,
// outside its lock, so implementations should not block.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc is an adapter that allows using ordinary functions as Observers.
type ObserverFunc func(Transition)

// OnTransition implements the Observer interface.
func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}

// MultiObserver combines multiple observers into one.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a new MultiObserver with the given observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{
		observers: observers,
	}
}

// Add adds an observer to the multi-observer.
func (m *MultiObserver) Add(o Observer) {
	m.observers = append(m.observers, o)
}

// OnTransition notifies all observers of the transition.
func (m *MultiObserver) OnTransition(t Transition) {
	for _, o := range m.observers {
		o.OnTransition(t)
	}
}

// LoggingObserver logs terminal transitions at info level.
type LoggingObserver struct{}

// OnTransition logs the transition using zerolog.
func (l *LoggingObserver) OnTransition(t Transition) {
	if !t.To.IsTerminal() {
		return
	}
	event := log.Info()
	if t.Error != nil {
		event = log.Warn().Err(t.Error)
	}
	event.
		Str("protocol", t.Instance).
		Str("state", t.To.String()).
		Str("reason", t.Reason).
		Msg("protocol instance stopped")
}
