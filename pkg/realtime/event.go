package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client event types (sent from this process to the server).
const (
	EventTypeSessionUpdate = "session.update"

	EventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	EventTypeInputAudioBufferCommit = "input_audio_buffer.commit"
	EventTypeInputAudioBufferClear  = "input_audio_buffer.clear"

	EventTypeConversationItemCreate = "conversation.item.create"

	EventTypeResponseCreate = "response.create"
	EventTypeResponseCancel = "response.cancel"
)

// Server event types (received from the server). This is the subset the
// pipeline consumes; unknown types are dispatched to handlers registered
// for them and otherwise ignored.
const (
	EventTypeError = "error"

	EventTypeSessionCreated = "session.created"
	EventTypeSessionUpdated = "session.updated"

	EventTypeConversationItemCreated = "conversation.item.created"

	EventTypeInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	EventTypeInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	EventTypeResponseCreated         = "response.created"
	EventTypeResponseDone            = "response.done"
	EventTypeResponseOutputItemAdded = "response.output_item.added"

	EventTypeResponseTextDelta = "response.text.delta"
	EventTypeResponseTextDone  = "response.text.done"

	EventTypeResponseAudioDelta = "response.audio.delta"
	EventTypeResponseAudioDone  = "response.audio.done"

	EventTypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventTypeResponseAudioTranscriptDone  = "response.audio_transcript.done"

	EventTypeResponseFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	EventTypeResponseFunctionCallArgumentsDone  = "response.function_call_arguments.done"

	EventTypeConversationItemInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
)

// ServerEvent is one inbound event from the streaming endpoint. The struct
// is a union over the event types above; which fields are populated depends
// on Type.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitzero"`

	// session.created / session.updated
	Session *SessionResource `json:"session,omitzero"`

	// conversation.item.* and response.output_item.added
	Item   *ConversationItem `json:"item,omitzero"`
	ItemID string            `json:"item_id,omitzero"`

	// response.* events
	Response    *ResponseResource `json:"response,omitzero"`
	ResponseID  string            `json:"response_id,omitzero"`
	OutputIndex int               `json:"output_index,omitzero"`

	// *.delta events carry incremental text, transcript, or arguments.
	// For response.audio.delta the field holds base64 PCM16; the decoded
	// bytes are placed in Audio after parsing.
	Delta string `json:"delta,omitzero"`
	Audio []byte `json:"-"`

	// Transcription events.
	Transcript   string `json:"transcript,omitzero"`
	ContentIndex int    `json:"content_index,omitzero"`

	// Function call events.
	CallID    string `json:"call_id,omitzero"`
	Name      string `json:"name,omitzero"`
	Arguments string `json:"arguments,omitzero"`

	// error events.
	Err *EventError `json:"error,omitzero"`

	// Raw holds the original JSON frame.
	Raw []byte `json:"-"`
}

// SessionResource is the server's view of the session.
type SessionResource struct {
	ID         string   `json:"id,omitempty"`
	Model      string   `json:"model,omitempty"`
	Modalities []string `json:"modalities,omitempty"`
	Voice      string   `json:"voice,omitempty"`
}

// ConversationItem is an item in the server-side conversation: a message,
// a function call, or a function call output.
type ConversationItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type,omitempty"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one piece of a message item's content.
type ContentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ResponseResource summarizes a response (for response.created and
// response.done).
type ResponseResource struct {
	ID     string             `json:"id,omitempty"`
	Status string             `json:"status,omitempty"`
	Output []ConversationItem `json:"output,omitempty"`
}

// parseServerEvent decodes one inbound frame. Audio deltas are base64
// decoded into Audio; a frame that fails to decode entirely is a
// ProtocolError for the caller to log and discard.
func parseServerEvent(frame []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("realtime: parse event: %w", err)
	}
	ev.Raw = frame
	if ev.Type == EventTypeResponseAudioDelta && ev.Delta != "" {
		decoded, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("realtime: decode audio delta: %w", err)
		}
		ev.Audio = decoded
	}
	return &ev, nil
}
