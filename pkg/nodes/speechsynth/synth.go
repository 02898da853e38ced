// Package speechsynth implements the output side of the voice pipeline:
// it buffers server audio deltas into whole utterances, writes each
// utterance to a WAV file for the hardware playback collaborator, and
// owns the microphone mutex for the "speaking" key so the robot never
// hears itself.
package speechsynth

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nevil-robotics/nevil-core/pkg/audio/wav"
	"github.com/nevil-robotics/nevil-core/pkg/buffer"
	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/chatlog"
	"github.com/nevil-robotics/nevil-core/pkg/gesture"
	"github.com/nevil-robotics/nevil-core/pkg/hardware"
	"github.com/nevil-robotics/nevil-core/pkg/jsontime"
	"github.com/nevil-robotics/nevil-core/pkg/mutex"
	"github.com/nevil-robotics/nevil-core/pkg/node"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
)

// speakingKey is this node's noisy-activity name.
const speakingKey = "speaking"

// postPlaybackPad absorbs room echo after playback before the microphone
// is handed back.
const postPlaybackPad = 300 * time.Millisecond

// playbackPoll is how often the player's is_playing flag is consulted.
const playbackPoll = 50 * time.Millisecond

// Events is the handler-registration slice of the realtime connection.
type Events interface {
	On(eventType string, h realtime.Handler)
}

// Config is the node's descriptor configuration section.
type Config struct {
	// OutputDir receives the per-utterance WAV files. Default: a
	// process-scoped directory under the OS temp dir.
	OutputDir string `yaml:"output_dir"`

	MinGestures int `yaml:"min_gestures"`
	MaxGestures int `yaml:"max_gestures"`
}

// Node is the synthesis node body.
type Node struct {
	events   Events
	player   hardware.Player
	mics     *mutex.Registry
	injector *gesture.Injector
	ledger   *gesture.Ledger
	chat     *chatlog.Logger

	cfg Config

	rt *node.Runtime

	mu            sync.Mutex
	currentItemID string
	responseID    string
	audio         *buffer.Bytes
	transcript    strings.Builder
	held          bool

	utterances sync.WaitGroup
}

// New creates the synthesis node.
func New(events Events, player hardware.Player, mics *mutex.Registry, injector *gesture.Injector, ledger *gesture.Ledger, chat *chatlog.Logger, cfg Config) *Node {
	if cfg.MinGestures == 0 {
		cfg.MinGestures = 3
	}
	if cfg.MaxGestures == 0 {
		cfg.MaxGestures = 6
	}
	return &Node{
		events:   events,
		player:   player,
		mics:     mics,
		injector: injector,
		ledger:   ledger,
		chat:     chat,
		cfg:      cfg,
		audio:    buffer.NewBytes(),
	}
}

// Callbacks exposes the text_response observer.
func (n *Node) Callbacks() map[string]node.Handler {
	return map[string]node.Handler{
		"on_text_response": n.onTextResponse,
	}
}

// Initialize registers the audio event handlers on the shared realtime
// connection and prepares the output directory.
func (n *Node) Initialize(rt *node.Runtime) error {
	n.rt = rt
	if n.cfg.OutputDir == "" {
		n.cfg.OutputDir = filepath.Join(os.TempDir(), "nevil-tts")
	}
	if err := os.MkdirAll(n.cfg.OutputDir, 0o755); err != nil {
		return err
	}

	n.events.On(realtime.EventTypeResponseOutputItemAdded, func(ev *realtime.ServerEvent) realtime.Disposition {
		n.onOutputItemAdded(rt, ev)
		return realtime.Ok
	})
	n.events.On(realtime.EventTypeResponseAudioDelta, func(ev *realtime.ServerEvent) realtime.Disposition {
		n.onAudioDelta(rt, ev)
		return realtime.Ok
	})
	n.events.On(realtime.EventTypeResponseAudioTranscriptDelta, func(ev *realtime.ServerEvent) realtime.Disposition {
		n.onTranscriptDelta(ev)
		return realtime.Ok
	})
	n.events.On(realtime.EventTypeResponseAudioDone, func(ev *realtime.ServerEvent) realtime.Disposition {
		n.onAudioDone(rt, ev)
		return realtime.Ok
	})
	return nil
}

// Cleanup waits for in-flight utterances and releases the mutex if an
// utterance was cut off mid-stream.
func (n *Node) Cleanup(rt *node.Runtime) error {
	n.utterances.Wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.releaseLocked(rt)
	return nil
}

// onOutputItemAdded starts a new utterance for assistant message items.
func (n *Node) onOutputItemAdded(rt *node.Runtime, ev *realtime.ServerEvent) {
	if ev.Item == nil || ev.Item.Type != "message" || ev.Item.Role != "assistant" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.currentItemID = ev.Item.ID
	n.responseID = ev.ResponseID
	n.audio.Reset()
	n.transcript.Reset()
	// The microphone goes away the moment the server starts an
	// utterance, before any audio arrives.
	n.acquireLocked(rt)
}

// onAudioDelta appends one decoded PCM chunk to the utterance.
func (n *Node) onAudioDelta(rt *node.Runtime, ev *realtime.ServerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(ev.Audio) == 0 {
		return
	}
	// Defensive: audio before output_item.added still blocks the mic.
	n.acquireLocked(rt)
	n.audio.Append(ev.Audio)
}

func (n *Node) onTranscriptDelta(ev *realtime.ServerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transcript.WriteString(ev.Delta)
}

// onAudioDone hands the finished utterance to playback. Playback runs on
// its own goroutine so event dispatch is never stalled behind the
// speaker.
func (n *Node) onAudioDone(rt *node.Runtime, ev *realtime.ServerEvent) {
	n.mu.Lock()
	pcm := n.audio.Take()
	transcript := n.transcript.String()
	responseID := n.responseID
	n.transcript.Reset()
	n.currentItemID = ""
	n.mu.Unlock()

	if len(pcm) == 0 {
		n.mu.Lock()
		n.releaseLocked(rt)
		n.mu.Unlock()
		return
	}

	n.utterances.Add(1)
	go n.playUtterance(rt, pcm, transcript, responseID)
}

func (n *Node) playUtterance(rt *node.Runtime, pcm []byte, transcript, responseID string) {
	defer n.utterances.Done()
	defer func() {
		n.mu.Lock()
		n.releaseLocked(rt)
		n.mu.Unlock()
	}()

	var step *chatlog.Step
	if n.chat != nil {
		step = n.chat.LogStep(responseID, chatlog.StepTTS, transcript, nil)
	}

	// Gestures for the whole utterance go out as one batch so motion
	// runs simultaneously with the speech that is about to start.
	if actions := n.injector.Inject(transcript, n.cfg.MinGestures, n.cfg.MaxGestures); len(actions) > 0 {
		n.ledger.Mark(responseID)
		rt.Publish(bus.TopicRobotAction, map[string]any{
			"actions":     actions,
			"source_text": transcript,
			"mood":        gesture.DetectSpeed(transcript),
			"priority":    "normal",
			"timestamp":   jsontime.Now(),
		}, bus.PriorityNormal)
	}

	path := filepath.Join(n.cfg.OutputDir, uuid.NewString()+".wav")
	if err := wav.WriteFile(path, pcm, wav.Synthesis); err != nil {
		rt.Log().Error("write utterance wav", "error", err)
		rt.CountError()
		if step != nil {
			step.End("", err)
		}
		return
	}
	defer os.Remove(path)

	rt.Publish(bus.TopicAudioOutputStatus, map[string]any{"playing": true, "path": path}, bus.PriorityNormal)
	defer rt.Publish(bus.TopicAudioOutputStatus, map[string]any{"playing": false}, bus.PriorityNormal)

	if err := n.player.Play(path); err != nil {
		rt.Log().Error("playback failed", "error", err, "path", path)
		rt.CountError()
		if step != nil {
			step.End("", err)
		}
		return
	}
	for n.player.IsPlaying() {
		select {
		case <-rt.ShuttingDown():
			n.player.Stop()
			if step != nil {
				step.End(transcript, nil)
			}
			return
		case <-time.After(playbackPoll):
		}
	}
	time.Sleep(postPlaybackPad)

	if step != nil {
		step.End(transcript, nil)
	}
}

// onTextResponse observes the separate TTS path. The streaming audio path
// takes precedence: the message is logged and must never trigger a second
// audio generation, which would loop text into audio into text.
func (n *Node) onTextResponse(msg bus.Message) {
	if n.rt != nil {
		n.rt.Log().Debug("text_response observed, streaming audio path owns playback", "source", msg.SourceNode)
	}
}

// acquireLocked takes the speaking mutex once per utterance and announces
// it. Callers hold n.mu.
func (n *Node) acquireLocked(rt *node.Runtime) {
	if n.held {
		return
	}
	n.held = true
	n.mics.AcquireNoisyActivity(speakingKey)
	rt.Publish(bus.TopicSpeakingStatus, map[string]any{"speaking": true}, bus.PriorityHigh)
	rt.Publish(bus.TopicSystemMode, map[string]any{"mode": "speaking", "reason": "utterance started"}, bus.PriorityNormal)
}

// releaseLocked releases the speaking mutex exactly once, even on error
// paths. Callers hold n.mu.
func (n *Node) releaseLocked(rt *node.Runtime) {
	if !n.held {
		return
	}
	n.held = false
	rt.Publish(bus.TopicSpeakingStatus, map[string]any{"speaking": false}, bus.PriorityHigh)
	rt.Publish(bus.TopicSystemMode, map[string]any{"mode": "idle", "reason": "utterance finished"}, bus.PriorityNormal)
	n.mics.ReleaseNoisyActivity(speakingKey)
}
