package schemas

import "context"

// -- Oracle Interface --

// Oracle decides how execution proceeds at each pause. Implementations are
// expected to be backed by an LLM, but anything that can map a snapshot to a
// step action satisfies the contract.
type Oracle interface {
	// Decide picks the next step action given the flattened current snapshot
	// and up to the last few snapshot lines of history. A non-nil error means
	// the caller should fall back to its default action; the returned action
	// is still valid in that case.
	Decide(ctx context.Context, snapshot string, history []string) (StepAction, error)
	// Analyze produces a findings report from a completed session transcript
	// and returns the path of the written report.
	Analyze(ctx context.Context, transcriptPath string) (string, error)
	// Close releases any underlying clients.
	Close() error
}

// -- Event Delivery --

// Sink receives session lifecycle events. Emit must not block; slow
// consumers lose events rather than stalling the debug loop.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }
