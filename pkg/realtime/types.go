package realtime

import "encoding/json"

// Audio formats. The pipeline only speaks PCM16 at 24 kHz mono.
const (
	AudioFormatPCM16 = "pcm16"
)

// Modalities for response output.
const (
	ModalityText  = "text"
	ModalityAudio = "audio"
)

// Turn detection modes.
const (
	VADServerVAD = "server_vad"
)

// SessionConfig is the configuration sent once after connect via
// session.update, and re-sent automatically on every reconnect.
type SessionConfig struct {
	Modalities        []string `json:"modalities,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`

	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`

	// TurnDetection configures server-side VAD. Leave nil and set
	// TurnDetectionDisabled to run in manual-commit mode; the wire then
	// carries an explicit "turn_detection": null.
	TurnDetection         *TurnDetection `json:"turn_detection,omitempty"`
	TurnDetectionDisabled bool           `json:"-"`

	Tools      []Tool   `json:"tools,omitempty"`
	ToolChoice any      `json:"tool_choice,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// MarshalJSON emits an explicit "turn_detection": null when manual-commit
// mode is selected; omitempty alone cannot express null.
func (c SessionConfig) MarshalJSON() ([]byte, error) {
	type alias SessionConfig
	b, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if !c.TurnDetectionDisabled {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["turn_detection"] = json.RawMessage("null")
	return json.Marshal(m)
}

// TranscriptionConfig enables transcription of input audio.
type TranscriptionConfig struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type            string  `json:"type,omitempty"`
	Threshold       float64 `json:"threshold,omitempty"`
	PrefixPaddingMs int     `json:"prefix_padding_ms,omitempty"`
	SilenceDuration int     `json:"silence_duration_ms,omitempty"`
}

// Tool describes one function in the session's tool catalog.
type Tool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ResponseCreateOptions customizes a response.create event. A nil options
// value requests the session defaults.
type ResponseCreateOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}
