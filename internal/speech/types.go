package speech

// Job is one sentence waiting for synthesis. IDs increase monotonically within a turn.
type Job struct {
	ID     int
	TurnID string
	Text   string
}

// Artifact is a synthesized audio file on disk.
type Artifact struct {
	Path   string
	JobID  int
	TurnID string
	Text   string
}

// Completion is the terminal state of a Job: either an Artifact or an error.
type Completion struct {
	Job      Job
	Artifact *Artifact
	Err      error
}

// Receiver consumes completions. Deliver must not block for long; it is called
// from dispatcher worker goroutines in call-finish order.
type Receiver interface {
	Deliver(Completion)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(Completion)

func (f ReceiverFunc) Deliver(c Completion) { f(c) }
