// Package chatlog records the per-conversation step timeline used for
// offline analytics. Each user turn produces a sequence of steps
// (request, stt, gpt, tts, response, sleep) stitched together by the
// conversation id; records are msgpack-encoded and stored in the embedded
// key-value store keyed <conversation_id>/<sequence>.
//
// The logger is off the hot path for correctness: a failed write is
// logged and dropped, never surfaced to the pipeline.
package chatlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nevil-robotics/nevil-core/pkg/kv"
	"github.com/nevil-robotics/nevil-core/pkg/logging"
)

// Canonical step names.
const (
	StepRequest  = "request"
	StepSTT      = "stt"
	StepGPT      = "gpt"
	StepTTS      = "tts"
	StepResponse = "response"
	StepSleep    = "sleep"
)

// Status values for a completed step.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Record is one completed step as stored.
type Record struct {
	ConversationID string         `msgpack:"conversation_id"`
	Sequence       uint64         `msgpack:"sequence"`
	Step           string         `msgpack:"step"`
	Status         string         `msgpack:"status"`
	StartUnixMs    int64          `msgpack:"start_ms"`
	EndUnixMs      int64          `msgpack:"end_ms"`
	DurationMs     int64          `msgpack:"duration_ms"`
	InputText      string         `msgpack:"input,omitempty"`
	OutputText     string         `msgpack:"output,omitempty"`
	Error          string         `msgpack:"error,omitempty"`
	Metadata       map[string]any `msgpack:"metadata,omitempty"`
}

// Logger writes step records. Construct one per process and pass it
// through constructors; tests substitute a store via New.
type Logger struct {
	store kv.Store
	log   logging.Logger

	mu   sync.Mutex
	seqs map[string]uint64
}

// New creates a Logger over the given store.
func New(store kv.Store, log logging.Logger) *Logger {
	if log == nil {
		log = logging.Discard
	}
	return &Logger{
		store: store,
		log:   logging.Named(log, "chatlog"),
		seqs:  make(map[string]uint64),
	}
}

// Step is a scoped handle for one in-progress step. Creating it records
// the start time; End records the rest and persists.
type Step struct {
	logger *Logger
	rec    Record
	start  time.Time
	done   bool
}

// LogStep opens a step for conversationID. inputText may be empty.
func (l *Logger) LogStep(conversationID, stepName, inputText string, metadata map[string]any) *Step {
	return &Step{
		logger: l,
		start:  time.Now(),
		rec: Record{
			ConversationID: conversationID,
			Step:           stepName,
			InputText:      inputText,
			Metadata:       metadata,
		},
	}
}

// End completes the step. err == nil records success; otherwise the step
// is recorded as failed with the error text. End is idempotent.
func (s *Step) End(outputText string, err error) {
	if s.done {
		return
	}
	s.done = true
	end := time.Now()
	s.rec.StartUnixMs = s.start.UnixMilli()
	s.rec.EndUnixMs = end.UnixMilli()
	s.rec.DurationMs = end.Sub(s.start).Milliseconds()
	s.rec.OutputText = outputText
	if err != nil {
		s.rec.Status = StatusFail
		s.rec.Error = err.Error()
	} else {
		s.rec.Status = StatusSuccess
	}
	s.logger.write(s.rec)
}

func (l *Logger) write(rec Record) {
	l.mu.Lock()
	l.seqs[rec.ConversationID]++
	rec.Sequence = l.seqs[rec.ConversationID]
	l.mu.Unlock()

	b, err := msgpack.Marshal(&rec)
	if err != nil {
		l.log.Error("encode step record", "error", err)
		return
	}
	key := kv.Key{rec.ConversationID, fmt.Sprintf("%06d", rec.Sequence)}
	if err := l.store.Set(context.Background(), key, b); err != nil {
		l.log.Error("store step record", "error", err)
	}
}

// Conversation returns all records for one conversation in sequence order.
func (l *Logger) Conversation(ctx context.Context, conversationID string) ([]Record, error) {
	var out []Record
	for e, err := range l.store.List(ctx, kv.Key{conversationID}) {
		if err != nil {
			return out, err
		}
		var rec Record
		if err := msgpack.Unmarshal(e.Value, &rec); err != nil {
			return out, fmt.Errorf("chatlog: decode %s: %w", e.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Since returns all records whose step started at or after t, across
// conversations. This is a full scan; it serves offline analysis, not the
// pipeline.
func (l *Logger) Since(ctx context.Context, t time.Time) ([]Record, error) {
	cutoff := t.UnixMilli()
	var out []Record
	for e, err := range l.store.List(ctx, nil) {
		if err != nil {
			return out, err
		}
		var rec Record
		if err := msgpack.Unmarshal(e.Value, &rec); err != nil {
			return out, fmt.Errorf("chatlog: decode %s: %w", e.Key, err)
		}
		if rec.StartUnixMs >= cutoff {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close closes the underlying store.
func (l *Logger) Close() error {
	return l.store.Close()
}
