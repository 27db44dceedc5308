package orchestration

import (
	"context"
	"time"

	"github.com/intentgate/intentgate/core"
)

// EventType identifies one kind of streaming event. The set is closed.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventPlanGenerated      EventType = "plan_generated"
	EventStepStarted        EventType = "step_started"
	EventStepProgress       EventType = "step_progress"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
)

// Event is one entry in an execution's streamed sequence. StepOrder is 0
// for execution-level events.
type Event struct {
	EventType     EventType   `json:"event_type"`
	StepOrder     int         `json:"step_order"`
	ServiceName   string      `json:"service_name,omitempty"`
	FunctionName  string      `json:"function_name,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	DurationMs    int64       `json:"duration_ms,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// send delivers an event to a possibly-nil emitter.
func send(emit func(Event), event Event) {
	if emit != nil {
		emit(event)
	}
}

// StreamingAdapter runs an execution in a goroutine and exposes its event
// sequence as a channel. The channel closes after the terminal event.
type StreamingAdapter struct {
	orchestrator *Orchestrator
	bufferSize   int
}

// NewStreamingAdapter wraps an orchestrator for streaming consumption.
func NewStreamingAdapter(orchestrator *Orchestrator) *StreamingAdapter {
	return &StreamingAdapter{
		orchestrator: orchestrator,
		bufferSize:   32,
	}
}

// Stream starts the execution and returns its event channel. Consumer
// cancellation via ctx stops event production after the in-flight step's
// terminal event; the executor observes the same context and aborts
// pending retries.
func (a *StreamingAdapter) Stream(ctx context.Context, intent string, principal core.Principal, token string) <-chan Event {
	return a.stream(ctx, intent, principal, token, nil)
}

func (a *StreamingAdapter) stream(ctx context.Context, intent string, principal core.Principal, token string, variables map[string]interface{}) <-chan Event {
	events := make(chan Event, a.bufferSize)

	go func() {
		defer close(events)
		emit := func(event Event) {
			select {
			case events <- event:
			case <-ctx.Done():
				// Consumer gone; drop the event rather than block the
				// execution goroutine forever.
			}
		}
		// Errors surface as execution_failed events; nothing else to
		// return on a channel API.
		_, _ = a.orchestrator.execute(ctx, intent, principal, token, variables, emit)
	}()

	return events
}
