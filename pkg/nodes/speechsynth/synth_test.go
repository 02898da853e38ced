package speechsynth

import (
	"encoding/base64"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil-core/pkg/audio/wav"
	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/config"
	"github.com/nevil-robotics/nevil-core/pkg/gesture"
	"github.com/nevil-robotics/nevil-core/pkg/mutex"
	"github.com/nevil-robotics/nevil-core/pkg/node"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
)

// fakeEvents records registered handlers so tests can feed events
// directly.
type fakeEvents struct {
	handlers map[string][]realtime.Handler
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{handlers: make(map[string][]realtime.Handler)}
}

func (f *fakeEvents) On(eventType string, h realtime.Handler) {
	f.handlers[eventType] = append(f.handlers[eventType], h)
}

func (f *fakeEvents) emit(ev *realtime.ServerEvent) {
	for _, h := range f.handlers[ev.Type] {
		h(ev)
	}
}

type fakePlayer struct {
	mu      sync.Mutex
	played  []string
	pcm     [][]byte
	playing bool
	err     error
}

func (p *fakePlayer) Play(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	pcm, _, err := wav.ReadFile(path)
	if err != nil {
		return err
	}
	p.played = append(p.played, path)
	p.pcm = append(p.pcm, pcm)
	return nil
}

func (p *fakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) Stop() error { return nil }

type fixture struct {
	node   *Node
	rt     *node.Runtime
	events *fakeEvents
	player *fakePlayer
	mics   *mutex.Registry
	ledger *gesture.Ledger
	b      *bus.Bus
	sink   map[string]bus.Queue
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		events: newFakeEvents(),
		player: &fakePlayer{},
		mics:   mutex.NewRegistry(),
		ledger: gesture.NewLedger(),
		b:      bus.New(nil),
		sink:   make(map[string]bus.Queue),
	}
	for _, topic := range []string{bus.TopicSpeakingStatus, bus.TopicRobotAction, bus.TopicSystemMode, bus.TopicAudioOutputStatus} {
		q := make(bus.Queue, 32)
		f.sink[topic] = q
		f.b.Subscribe("listener", topic, q)
	}

	f.node = New(f.events, f.player, f.mics, gesture.NewInjector(1), f.ledger, nil, Config{
		OutputDir: filepath.Join(t.TempDir(), "tts"),
	})
	desc := &config.Node{
		Publishes: []config.Publish{
			{Topic: bus.TopicSpeakingStatus},
			{Topic: bus.TopicRobotAction},
			{Topic: bus.TopicSystemMode},
			{Topic: bus.TopicAudioOutputStatus},
		},
		Subscribes: []config.Subscribe{
			{Topic: bus.TopicTextResponse, Callback: "on_text_response"},
		},
	}
	f.rt = node.NewRuntime("speech_synthesis", desc, f.node, nil)
	if err := f.rt.Attach(f.b); err != nil {
		t.Fatal(err)
	}
	if err := f.node.Initialize(f.rt); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) drain(topic string) []bus.Message {
	var out []bus.Message
	for {
		select {
		case msg := <-f.sink[topic]:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (f *fixture) utterance(t *testing.T, responseID string, chunks ...[]byte) {
	t.Helper()
	f.events.emit(&realtime.ServerEvent{
		Type:       realtime.EventTypeResponseOutputItemAdded,
		ResponseID: responseID,
		Item:       &realtime.ConversationItem{ID: "item_1", Type: "message", Role: "assistant"},
	})
	for _, c := range chunks {
		f.events.emit(&realtime.ServerEvent{
			Type:  realtime.EventTypeResponseAudioDelta,
			Audio: c,
			Delta: base64.StdEncoding.EncodeToString(c),
		})
	}
	f.events.emit(&realtime.ServerEvent{
		Type:  realtime.EventTypeResponseAudioTranscriptDelta,
		Delta: "Hello there, nice to see you!",
	})
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioDone})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestUtteranceLifecycle(t *testing.T) {
	f := setup(t)

	// Mutex held from utterance start, before any delta.
	f.events.emit(&realtime.ServerEvent{
		Type:       realtime.EventTypeResponseOutputItemAdded,
		ResponseID: "resp_1",
		Item:       &realtime.ConversationItem{ID: "item_1", Type: "message", Role: "assistant"},
	})
	if f.mics.IsMicrophoneAvailable() {
		t.Fatal("microphone still available after utterance start")
	}
	statuses := f.drain(bus.TopicSpeakingStatus)
	if len(statuses) != 1 || statuses[0].Data.(map[string]any)["speaking"] != true {
		t.Fatalf("speaking_status = %+v", statuses)
	}

	chunk1 := []byte{1, 2, 3, 4}
	chunk2 := []byte{5, 6, 7, 8}
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioDelta, Audio: chunk1})
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioDelta, Audio: chunk2})
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioTranscriptDelta, Delta: "Hi!"})
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioDone})

	waitFor(t, 2*time.Second, func() bool { return f.mics.IsMicrophoneAvailable() })

	// WAV received the deltas in order, byte-exact.
	f.player.mu.Lock()
	defer f.player.mu.Unlock()
	if len(f.player.pcm) != 1 {
		t.Fatalf("played %d utterances, want 1", len(f.player.pcm))
	}
	want := append(append([]byte{}, chunk1...), chunk2...)
	got := f.player.pcm[0]
	if len(got) != len(want) {
		t.Fatalf("pcm length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pcm[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	statuses = f.drain(bus.TopicSpeakingStatus)
	if len(statuses) != 1 || statuses[0].Data.(map[string]any)["speaking"] != false {
		t.Fatalf("final speaking_status = %+v", statuses)
	}
}

func TestGestureBatchPublishedAndLedgerMarked(t *testing.T) {
	f := setup(t)
	f.utterance(t, "resp_7", []byte{1, 2})
	waitFor(t, 2*time.Second, func() bool { return f.mics.IsMicrophoneAvailable() })

	actions := f.drain(bus.TopicRobotAction)
	if len(actions) != 1 {
		t.Fatalf("robot_action batches = %d, want 1", len(actions))
	}
	batch := actions[0].Data.(map[string]any)["actions"].([]string)
	if len(batch) < 3 || len(batch) > 6 {
		t.Fatalf("gesture batch size = %d, want 3..6", len(batch))
	}
	if !f.ledger.Marked("resp_7") {
		t.Fatal("ledger not marked for resp_7")
	}
}

func TestMutexReleasedOnPlaybackError(t *testing.T) {
	f := setup(t)
	f.player.err = wavError{}
	f.utterance(t, "resp_err", []byte{1, 2, 3, 4})
	waitFor(t, 2*time.Second, func() bool { return f.mics.IsMicrophoneAvailable() })
	if f.rt.ErrorCount() == 0 {
		t.Fatal("playback error not counted")
	}
	// The node keeps serving: a following utterance still plays.
	f.player.mu.Lock()
	f.player.err = nil
	f.player.mu.Unlock()
	f.utterance(t, "resp_next", []byte{9, 9})
	waitFor(t, 2*time.Second, func() bool {
		f.player.mu.Lock()
		defer f.player.mu.Unlock()
		return len(f.player.played) == 1
	})
}

func TestEmptyUtteranceReleasesWithoutPlayback(t *testing.T) {
	f := setup(t)
	f.events.emit(&realtime.ServerEvent{
		Type:       realtime.EventTypeResponseOutputItemAdded,
		ResponseID: "resp_empty",
		Item:       &realtime.ConversationItem{ID: "item_1", Type: "message", Role: "assistant"},
	})
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioDone})
	waitFor(t, time.Second, func() bool { return f.mics.IsMicrophoneAvailable() })
	if len(f.player.played) != 0 {
		t.Fatalf("played %d utterances for empty audio", len(f.player.played))
	}
}

func TestDefensiveAcquireOnEarlyDelta(t *testing.T) {
	f := setup(t)
	// Audio delta with no preceding output_item.added still blocks the
	// microphone.
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioDelta, Audio: []byte{1, 2}})
	if f.mics.IsMicrophoneAvailable() {
		t.Fatal("microphone available during orphan audio delta")
	}
	f.events.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseAudioDone})
	waitFor(t, time.Second, func() bool { return f.mics.IsMicrophoneAvailable() })
}

func TestNonAssistantItemsIgnored(t *testing.T) {
	f := setup(t)
	f.events.emit(&realtime.ServerEvent{
		Type:       realtime.EventTypeResponseOutputItemAdded,
		ResponseID: "resp_fc",
		Item:       &realtime.ConversationItem{ID: "fc_1", Type: "function_call", Name: "perform_gesture"},
	})
	if !f.mics.IsMicrophoneAvailable() {
		t.Fatal("function_call item acquired the microphone mutex")
	}
}

type wavError struct{}

func (wavError) Error() string { return "amplifier unavailable" }
