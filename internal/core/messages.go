package core

import "time"

// SchedulerMessage is a request sent from the engine-owning side to the
// background scheduler. The scheduler only ever sees ids, durations,
// request descriptions and stream ids, never script values.
type SchedulerMessage interface {
	schedulerMessage()
}

type (
	// ScheduleTimeout asks for ExecuteTimeout(ID) after Delay.
	ScheduleTimeout struct {
		ID    CallbackID
		Delay time.Duration
	}

	// ScheduleInterval asks for ExecuteInterval(ID) every Period, starting
	// one Period from now.
	ScheduleInterval struct {
		ID     CallbackID
		Period time.Duration
	}

	// ClearTimer cancels whatever task is recorded under ID. Unknown ids
	// are ignored.
	ClearTimer struct {
		ID CallbackID
	}

	// FetchStreaming performs Request and answers with FetchStreamingSuccess
	// or FetchError.
	FetchStreaming struct {
		ID      CallbackID
		Request Request
	}

	// StreamRead reads the next chunk of Stream and answers with StreamChunk.
	StreamRead struct {
		ID     CallbackID
		Stream StreamID
	}

	// StreamCancel closes Stream. There is no reply.
	StreamCancel struct {
		Stream StreamID
	}

	// Shutdown cancels every running task and stops the scheduler.
	Shutdown struct{}
)

func (ScheduleTimeout) schedulerMessage()  {}
func (ScheduleInterval) schedulerMessage() {}
func (ClearTimer) schedulerMessage()       {}
func (FetchStreaming) schedulerMessage()   {}
func (StreamRead) schedulerMessage()       {}
func (StreamCancel) schedulerMessage()     {}
func (Shutdown) schedulerMessage()         {}

// CallbackMessage is a completion sent from the scheduler back to the
// engine-owning side. Each one targets exactly one CallbackID.
type CallbackMessage interface {
	Callback() CallbackID
}

type (
	// ExecuteTimeout reports that a timeout fired.
	ExecuteTimeout struct {
		ID CallbackID
	}

	// ExecuteInterval reports one interval tick.
	ExecuteInterval struct {
		ID CallbackID
	}

	// FetchStreamingSuccess reports response headers for a fetch. The body
	// follows on Stream.
	FetchStreamingSuccess struct {
		ID     CallbackID
		Meta   ResponseMeta
		Stream StreamID
	}

	// FetchError reports a failed fetch.
	FetchError struct {
		ID      CallbackID
		Message string
	}

	// StreamChunk carries the result of one StreamRead.
	StreamChunk struct {
		ID    CallbackID
		Chunk Chunk
	}
)

func (m ExecuteTimeout) Callback() CallbackID        { return m.ID }
func (m ExecuteInterval) Callback() CallbackID       { return m.ID }
func (m FetchStreamingSuccess) Callback() CallbackID { return m.ID }
func (m FetchError) Callback() CallbackID            { return m.ID }
func (m StreamChunk) Callback() CallbackID           { return m.ID }
