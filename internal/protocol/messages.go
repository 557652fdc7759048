package protocol

import "time"

// ChatRequest asks the persona to answer Text in ThreadID. An empty ThreadID
// means the configured default thread.
type ChatRequest struct {
	RequestID string `json:"request_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Text      string `json:"text"`
}

// ChatFragment is one piece of streamed reply text, forwarded verbatim.
type ChatFragment struct {
	TurnID    string    `json:"turn_id"`
	ThreadID  string    `json:"thread_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatCompleted closes a turn.
type ChatCompleted struct {
	TurnID          string    `json:"turn_id"`
	ThreadID        string    `json:"thread_id"`
	Reply           string    `json:"reply"`
	ContextPassages int       `json:"context_passages"`
	Sentences       int       `json:"sentences"`
	DurationMS      int64     `json:"duration_ms"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ChatError reports a request that could not start a turn.
type ChatError struct {
	RequestID string    `json:"request_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackEvent is published when an audio artifact starts or stops playing.
type PlaybackEvent struct {
	TurnID    string    `json:"turn_id"`
	JobID     int       `json:"job_id"`
	Text      string    `json:"text"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	STTActionStart = "start"
	STTActionStop  = "stop"
)

// STTControl starts or stops push-to-talk recording.
type STTControl struct {
	Action string `json:"action"`
}

// PresenceAnnounce introduces a running persona to the bus.
type PresenceAnnounce struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	ThreadID   string    `json:"thread_id"`
	Features   []string  `json:"features,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type PresenceHeartbeat struct {
	InstanceID string    `json:"instance_id"`
	Busy       bool      `json:"busy"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	SubjectChatRequest       = "persona.chat.request"
	SubjectChatFragment      = "persona.chat.fragment"
	SubjectChatCompleted     = "persona.chat.completed"
	SubjectChatError         = "persona.chat.error"
	SubjectChatCancel        = "persona.chat.cancel"
	SubjectPlaybackStarted   = "persona.playback.started"
	SubjectPlaybackFinished  = "persona.playback.finished"
	SubjectSTTControl        = "persona.stt.control"
	SubjectTranscriptPartial = "persona.stt.text.partial"
	SubjectTranscriptFinal   = "persona.stt.text.final"

	SubjectPresenceAnnounce = "persona.presence.announce"
	// SubjectPresenceHeartbeat is followed by the instance id.
	SubjectPresenceHeartbeat = "persona.presence.heartbeat"
	SubjectPresenceQuery     = "persona.presence.query"
)

// TurnStream retains completed turns when JetStream is available.
const (
	TurnStreamName = "PERSONA_TURNS"
)
