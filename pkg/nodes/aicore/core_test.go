package aicore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/config"
	"github.com/nevil-robotics/nevil-core/pkg/gesture"
	"github.com/nevil-robotics/nevil-core/pkg/node"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
)

type sessionCall struct {
	kind string // "user_message", "function_output", "response_create"
	text string
	id   string
}

type fakeSession struct {
	mu       sync.Mutex
	calls    []sessionCall
	handlers map[string][]realtime.Handler
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string][]realtime.Handler)}
}

func (s *fakeSession) AddUserMessage(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sessionCall{kind: "user_message", text: text})
	return true
}

func (s *fakeSession) AddFunctionCallOutput(callID, output string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sessionCall{kind: "function_output", id: callID, text: output})
	return true
}

func (s *fakeSession) CreateResponse(*realtime.ResponseCreateOptions) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sessionCall{kind: "response_create"})
	return true
}

func (s *fakeSession) On(eventType string, h realtime.Handler) {
	s.handlers[eventType] = append(s.handlers[eventType], h)
}

func (s *fakeSession) emit(ev *realtime.ServerEvent) {
	for _, h := range s.handlers[ev.Type] {
		h(ev)
	}
}

func (s *fakeSession) byKind(kind string) []sessionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sessionCall
	for _, c := range s.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeSession) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.kind
	}
	return out
}

type fakeVision struct {
	description string
	err         error
	calls       int
}

func (v *fakeVision) Describe(context.Context, string) (string, error) {
	v.calls++
	if v.err != nil {
		return "", v.err
	}
	return v.description, nil
}

type fixture struct {
	node    *Node
	rt      *node.Runtime
	session *fakeSession
	vision  *fakeVision
	ledger  *gesture.Ledger
	b       *bus.Bus
	sink    map[string]bus.Queue
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		session: newFakeSession(),
		vision:  &fakeVision{description: "A sunny room with a desk and two chairs."},
		ledger:  gesture.NewLedger(),
		b:       bus.New(nil),
		sink:    make(map[string]bus.Queue),
	}
	topics := []string{
		bus.TopicTextResponse, bus.TopicRobotAction, bus.TopicMoodChange,
		bus.TopicSnapPic, bus.TopicSystemMode, bus.TopicMemoryRequest,
		bus.TopicVoiceCommand, TopicMusicRequest,
	}
	for _, topic := range topics {
		q := make(bus.Queue, 64)
		f.sink[topic] = q
		f.b.Subscribe("listener", topic, q)
	}

	f.node = New(f.session, f.vision, gesture.NewInjector(1), f.ledger, nil, Config{})
	var pubs []config.Publish
	for _, topic := range topics {
		pubs = append(pubs, config.Publish{Topic: topic})
	}
	desc := &config.Node{
		Publishes: pubs,
		Subscribes: []config.Subscribe{
			{Topic: bus.TopicVoiceCommand, Callback: "on_voice_command"},
			{Topic: bus.TopicVisualData, Callback: "on_visual_data"},
		},
	}
	f.rt = node.NewRuntime("ai_cognition", desc, f.node, nil)
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

func voiceCommand(text, conversationID string) bus.Message {
	return bus.NewMessage(bus.TopicVoiceCommand, map[string]any{
		"text":            text,
		"confidence":      RealtimeTranscriptConfidence,
		"conversation_id": conversationID,
	}, "speech_recognition", bus.PriorityNormal)
}

func TestVoiceCommandCreatesResponse(t *testing.T) {
	f := setup(t)
	f.node.onVoiceCommand(voiceCommand("Hi", "c1"))

	kinds := f.session.kinds()
	want := []string{"user_message", "response_create"}
	if len(kinds) != 2 || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("session calls = %v, want %v", kinds, want)
	}
	modes := f.drain(bus.TopicSystemMode)
	if len(modes) == 0 || modes[0].Data.(map[string]any)["mode"] != "thinking" {
		t.Fatalf("system_mode = %+v, want thinking first", modes)
	}
}

func TestTextResponseCarriesConversationID(t *testing.T) {
	f := setup(t)
	f.node.onVoiceCommand(voiceCommand("Hi", "c1"))
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseCreated, Response: &realtime.ResponseResource{ID: "resp_1"}})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseTextDelta, Delta: "Hello "})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseTextDelta, Delta: "there!"})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseDone, Response: &realtime.ResponseResource{ID: "resp_1"}})

	responses := f.drain(bus.TopicTextResponse)
	if len(responses) != 1 {
		t.Fatalf("text_response count = %d, want 1", len(responses))
	}
	payload := responses[0].Data.(map[string]any)
	if payload["text"] != "Hello there!" {
		t.Fatalf("text = %q", payload["text"])
	}
	if payload["conversation_id"] != "c1" {
		t.Fatalf("conversation_id = %q, want c1", payload["conversation_id"])
	}
}

func TestToolCallGesture(t *testing.T) {
	f := setup(t)
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseCreated})
	f.session.emit(&realtime.ServerEvent{
		Type: realtime.EventTypeResponseOutputItemAdded,
		Item: &realtime.ConversationItem{Type: "function_call", CallID: "call_1", Name: "perform_gesture"},
	})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseFunctionCallArgumentsDelta, CallID: "call_1", Delta: `{"gesture_name":"wa`})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseFunctionCallArgumentsDelta, CallID: "call_1", Delta: `ve","speed":"med"}`})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseFunctionCallArgumentsDone, CallID: "call_1"})

	actions := f.drain(bus.TopicRobotAction)
	if len(actions) != 1 {
		t.Fatalf("robot_action count = %d, want 1", len(actions))
	}
	got := actions[0].Data.(map[string]any)["actions"].([]string)
	if len(got) != 1 || got[0] != "wave:med" {
		t.Fatalf("actions = %v, want [wave:med]", got)
	}

	outputs := f.session.byKind("function_output")
	if len(outputs) != 1 || outputs[0].id != "call_1" {
		t.Fatalf("function outputs = %+v", outputs)
	}
	var result map[string]string
	if err := json.Unmarshal([]byte(outputs[0].text), &result); err != nil {
		t.Fatal(err)
	}
	if result["status"] != "success" || result["gesture"] != "wave:med" {
		t.Fatalf("result = %v", result)
	}
}

func TestToolCallRepairsTruncatedJSON(t *testing.T) {
	f := setup(t)
	f.session.emit(&realtime.ServerEvent{
		Type: realtime.EventTypeResponseOutputItemAdded,
		Item: &realtime.ConversationItem{Type: "function_call", CallID: "call_2", Name: "play_sound"},
	})
	// Model stopped one brace short.
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseFunctionCallArgumentsDone, CallID: "call_2", Arguments: `{"sound_name":"chirp"`})

	actions := f.drain(bus.TopicRobotAction)
	if len(actions) != 1 {
		t.Fatalf("robot_action count = %d, want 1", len(actions))
	}
	got := actions[0].Data.(map[string]any)["actions"].([]string)
	if got[0] != "play_sound chirp" {
		t.Fatalf("actions = %v", got)
	}
}

func TestUnknownToolReturnsError(t *testing.T) {
	f := setup(t)
	f.session.emit(&realtime.ServerEvent{
		Type: realtime.EventTypeResponseOutputItemAdded,
		Item: &realtime.ConversationItem{Type: "function_call", CallID: "call_3", Name: "levitate"},
	})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseFunctionCallArgumentsDone, CallID: "call_3", Arguments: `{}`})

	outputs := f.session.byKind("function_output")
	if len(outputs) != 1 {
		t.Fatalf("function outputs = %d, want 1", len(outputs))
	}
	var result map[string]string
	if err := json.Unmarshal([]byte(outputs[0].text), &result); err != nil {
		t.Fatal(err)
	}
	if result["status"] != "error" {
		t.Fatalf("result = %v, want error status", result)
	}
}

func TestVisionIntentSnapsBeforeResponseCreate(t *testing.T) {
	f := setup(t)
	f.node.onVoiceCommand(voiceCommand("What do you see?", "c2"))

	if got := f.session.byKind("response_create"); len(got) != 0 {
		t.Fatal("response.create sent before vision context arrived")
	}
	snaps := f.drain(bus.TopicSnapPic)
	if len(snaps) != 1 {
		t.Fatalf("snap_pic count = %d, want 1", len(snaps))
	}

	f.node.onVisualData(bus.NewMessage(bus.TopicVisualData, map[string]any{
		"image_data": "aW1hZ2U=",
		"capture_id": "cap_1",
	}, "camera_vision", bus.PriorityNormal))

	msgs := f.session.byKind("user_message")
	found := false
	for _, m := range msgs {
		if strings.HasPrefix(m.text, visionMarkerPrefix) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no vision marker message in %+v", msgs)
	}
	if got := f.session.byKind("response_create"); len(got) != 1 {
		t.Fatalf("response_create count = %d after vision, want 1", len(got))
	}
	if f.vision.calls != 1 {
		t.Fatalf("vision calls = %d, want 1", f.vision.calls)
	}
}

func TestVisualDataQueuedDuringResponse(t *testing.T) {
	f := setup(t)
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseCreated})

	f.node.onVisualData(bus.NewMessage(bus.TopicVisualData, map[string]any{
		"image_data": "aW1hZ2U=",
		"capture_id": "cap_q",
	}, "camera_vision", bus.PriorityNormal))
	if f.vision.calls != 0 {
		t.Fatal("vision processed while response in progress")
	}

	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseDone})
	if f.vision.calls != 1 {
		t.Fatalf("vision calls after response.done = %d, want exactly 1", f.vision.calls)
	}
	// A second response.done must not reprocess the frame.
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseDone})
	if f.vision.calls != 1 {
		t.Fatalf("vision calls after second response.done = %d, want 1", f.vision.calls)
	}
}

func TestStuckResponseSelfHeals(t *testing.T) {
	f := setup(t)
	f.node.mu.Lock()
	f.node.responseInProgress = true
	f.node.responseStart = time.Now().Add(-35 * time.Second)
	f.node.mu.Unlock()

	f.node.onVoiceCommand(voiceCommand("Hello again", "c3"))
	if got := f.session.byKind("response_create"); len(got) != 1 {
		t.Fatalf("response_create count = %d, want 1 (self-heal)", len(got))
	}
}

func TestFreshResponseDropsNewTurn(t *testing.T) {
	f := setup(t)
	f.node.mu.Lock()
	f.node.responseInProgress = true
	f.node.responseStart = time.Now()
	f.node.mu.Unlock()

	f.node.onVoiceCommand(voiceCommand("Interrupting!", "c4"))
	if got := f.session.byKind("response_create"); len(got) != 0 {
		t.Fatalf("response_create count = %d, want 0 (dropped)", len(got))
	}
	if got := f.session.byKind("user_message"); len(got) != 0 {
		t.Fatalf("user_message count = %d, want 0 (dropped)", len(got))
	}
}

func TestActiveResponseErrorKeepsFlag(t *testing.T) {
	f := setup(t)
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseCreated})
	f.session.emit(&realtime.ServerEvent{
		Type: realtime.EventTypeError,
		Err:  &realtime.EventError{Code: realtime.ErrorCodeActiveResponse, Message: "already active"},
	})
	f.node.mu.Lock()
	inProgress := f.node.responseInProgress
	f.node.mu.Unlock()
	if !inProgress {
		t.Fatal("flag cleared on conversation_already_has_active_response")
	}

	f.session.emit(&realtime.ServerEvent{
		Type: realtime.EventTypeError,
		Err:  &realtime.EventError{Code: "server_error", Message: "boom"},
	})
	f.node.mu.Lock()
	inProgress = f.node.responseInProgress
	f.node.mu.Unlock()
	if inProgress {
		t.Fatal("flag not cleared on ordinary server error")
	}
}

func TestMinimumGesturePolicyTextOnly(t *testing.T) {
	f := setup(t)
	f.node.onVoiceCommand(voiceCommand("Hi", "c5"))
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseCreated, Response: &realtime.ResponseResource{ID: "resp_t"}})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseTextDelta, Delta: "Nice to meet you."})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseDone, Response: &realtime.ResponseResource{ID: "resp_t"}})

	total := 0
	for _, msg := range f.drain(bus.TopicRobotAction) {
		total += len(msg.Data.(map[string]any)["actions"].([]string))
	}
	if total < 3 {
		t.Fatalf("gesture entries = %d, want >= 3", total)
	}
}

func TestMinimumGestureSkippedWhenAudioInjected(t *testing.T) {
	f := setup(t)
	f.node.onVoiceCommand(voiceCommand("Hi", "c6"))
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseCreated, Response: &realtime.ResponseResource{ID: "resp_a"}})
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseTextDelta, Delta: "Nice to meet you."})

	// Speech synthesis already published the audio-side batch.
	f.ledger.Mark("resp_a")
	f.session.emit(&realtime.ServerEvent{Type: realtime.EventTypeResponseDone, Response: &realtime.ResponseResource{ID: "resp_a"}})

	if actions := f.drain(bus.TopicRobotAction); len(actions) != 0 {
		t.Fatalf("robot_action batches = %d, want 0 (audio path owns injection)", len(actions))
	}
}

func TestVisionErrorCountsButDoesNotWedge(t *testing.T) {
	f := setup(t)
	f.vision.err = errors.New("camera offline")
	f.node.onVisualData(bus.NewMessage(bus.TopicVisualData, map[string]any{
		"image_data": "aW1hZ2U=",
	}, "camera_vision", bus.PriorityNormal))
	if f.rt.ErrorCount() == 0 {
		t.Fatal("vision failure not counted")
	}
	// The node still accepts a normal turn afterwards.
	f.node.onVoiceCommand(voiceCommand("Hi", "c7"))
	if got := f.session.byKind("response_create"); len(got) != 1 {
		t.Fatalf("response_create count = %d, want 1", len(got))
	}
}

func TestDetectVisionIntent(t *testing.T) {
	tests := []struct {
		text string
		want visionIntent
	}{
		{"What do you see?", visionIntentSee},
		{"Please describe what you see right now.", visionIntentSee},
		{"Look at this!", visionIntentSee},
		{"Tell me about your surroundings.", visionIntentSurroundings},
		{"What is the weather like?", visionIntentNone},
		{"I went to the seaside.", visionIntentNone},
	}
	for _, tt := range tests {
		if got := detectVisionIntent(tt.text); got != tt.want {
			t.Errorf("detectVisionIntent(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
