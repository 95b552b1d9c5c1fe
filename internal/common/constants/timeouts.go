// Package constants provides runtime-wide constants and timeouts.
package constants

import "time"

// Timeouts and size limits shared across the runtime.
const (
	// OnStartDegradedWindow is how long an actor whose onStart hook failed
	// refuses inbound events with a retryable error before onStart is retried.
	OnStartDegradedWindow = 5 * time.Second

	// GracefulCancelGrace is the bounded grace period given to a cooperative
	// cancellation listener before its output is dropped without blocking the actor.
	GracefulCancelGrace = 5 * time.Second

	// DefaultChatResumeGrace is the default window a disconnected connection's
	// buffered stream chunks are retained for replay on reconnect.
	DefaultChatResumeGrace = 2 * time.Minute

	// MaxConnectionMessageSize bounds a single inbound WebSocket frame.
	MaxConnectionMessageSize = 512 * 1024

	// VoiceAudioBufferWindow is the default rolling audio buffer retained per connection.
	VoiceAudioBufferWindow = 30 * time.Second

	// SchedulerMinGranularity is the coarsest granularity scheduler firing is
	// permitted to observe wall-clock time at.
	SchedulerMinGranularity = 1 * time.Second
)
