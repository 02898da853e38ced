// Package aicore drives the reasoning side of the voice pipeline: it
// turns transcribed user speech and camera frames into conversation items
// on the realtime session, executes the function calls the model makes,
// and publishes the resulting robot behavior on the bus.
package aicore

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/clipperhouse/uax29/v2/words"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/chatlog"
	"github.com/nevil-robotics/nevil-core/pkg/gesture"
	"github.com/nevil-robotics/nevil-core/pkg/jsontime"
	"github.com/nevil-robotics/nevil-core/pkg/node"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
	"github.com/nevil-robotics/nevil-core/pkg/vision"
)

// TopicMusicRequest asks the external media collaborator to stream audio.
const TopicMusicRequest = "music_request"

// RealtimeTranscriptConfidence is the confidence stamped on voice
// commands produced by the realtime transcript path. Placeholder pending
// a provider-reported per-utterance value; external STT paths set a real
// confidence instead.
const RealtimeTranscriptConfidence = 0.95

// StuckResponseTimeout is how long a response may stay in progress before
// the flag self-heals.
const StuckResponseTimeout = 30 * time.Second

// visionMarkerPrefix prefixes camera descriptions injected into the
// session.
const visionMarkerPrefix = "[SYSTEM: Your camera is showing you this view: "

// snapshotFloor is the hard minimum spacing between autonomous
// snapshots.
const snapshotFloor = 15 * time.Second

// Session is the slice of the realtime connection this node drives.
type Session interface {
	AddUserMessage(text string) bool
	AddFunctionCallOutput(callID, output string) bool
	CreateResponse(opts *realtime.ResponseCreateOptions) bool
	On(eventType string, h realtime.Handler)
}

// Config is the node's descriptor configuration section.
type Config struct {
	Modalities          []string `yaml:"response_modalities"`
	MinGestures         int      `yaml:"min_gestures"`
	MaxGestures         int      `yaml:"max_gestures"`
	SnapshotIntervalSec int      `yaml:"snapshot_interval_sec"`
	AutonomousVision    *bool    `yaml:"autonomous_vision"`
}

type pendingCall struct {
	name string
	args strings.Builder
}

type visualFrame struct {
	imageBase64 string
	captureID   string
}

// Node is the AI core body.
type Node struct {
	session  Session
	vision   vision.Describer
	injector *gesture.Injector
	ledger   *gesture.Ledger
	chat     *chatlog.Logger

	rt *node.Runtime

	modalities       []string
	minGestures      int
	maxGestures      int
	snapshotBase     time.Duration
	autonomousVision bool
	rng              *rand.Rand

	mu                 sync.Mutex
	responseInProgress bool
	responseStart      time.Time
	responseID         string
	conversationID     string
	assistantText      strings.Builder
	gestureCalls       int
	pendingCalls       map[string]*pendingCall
	queuedVision       []visualFrame
	awaitingVision     bool
	lastSnapshot       time.Time
	nextSnapshot       time.Time
	gptStep            *chatlog.Step
}

// New creates the AI core over the shared session and collaborators.
func New(session Session, describer vision.Describer, injector *gesture.Injector, ledger *gesture.Ledger, chat *chatlog.Logger, cfg Config) *Node {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{realtime.ModalityText, realtime.ModalityAudio}
	}
	if cfg.MinGestures == 0 {
		cfg.MinGestures = 3
	}
	if cfg.MaxGestures == 0 {
		cfg.MaxGestures = 6
	}
	base := 180 * time.Second
	if cfg.SnapshotIntervalSec > 0 {
		base = time.Duration(cfg.SnapshotIntervalSec) * time.Second
	}
	autonomous := true
	if cfg.AutonomousVision != nil {
		autonomous = *cfg.AutonomousVision
	}
	return &Node{
		session:          session,
		vision:           describer,
		injector:         injector,
		ledger:           ledger,
		chat:             chat,
		modalities:       modalities,
		minGestures:      cfg.MinGestures,
		maxGestures:      cfg.MaxGestures,
		snapshotBase:     base,
		autonomousVision: autonomous,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		pendingCalls:     make(map[string]*pendingCall),
	}
}

// Callbacks wires the bus subscriptions.
func (n *Node) Callbacks() map[string]node.Handler {
	return map[string]node.Handler{
		"on_voice_command": n.onVoiceCommand,
		"on_visual_data":   n.onVisualData,
	}
}

// Initialize registers the server event handlers.
func (n *Node) Initialize(rt *node.Runtime) error {
	n.rt = rt
	n.scheduleNextSnapshot(time.Now())

	on := func(eventType string, fn func(ev *realtime.ServerEvent)) {
		n.session.On(eventType, func(ev *realtime.ServerEvent) realtime.Disposition {
			fn(ev)
			return realtime.Ok
		})
	}
	on(realtime.EventTypeResponseCreated, n.onResponseCreated)
	on(realtime.EventTypeResponseOutputItemAdded, n.onOutputItemAdded)
	on(realtime.EventTypeResponseFunctionCallArgumentsDelta, n.onFunctionArgsDelta)
	on(realtime.EventTypeResponseFunctionCallArgumentsDone, n.onFunctionArgsDone)
	on(realtime.EventTypeResponseTextDelta, n.onTextDelta)
	on(realtime.EventTypeResponseAudioTranscriptDelta, n.onTextDelta)
	on(realtime.EventTypeResponseDone, n.onResponseDone)
	on(realtime.EventTypeError, n.onServerError)
	on(realtime.EventTypeConversationItemInputAudioTranscriptionCompleted, n.onInputTranscription)
	return nil
}

// Cleanup has nothing to release; the session is shared and owned
// elsewhere.
func (n *Node) Cleanup(*node.Runtime) error { return nil }

// MainLoop drives autonomous vision: on a randomized interval the node
// takes a snapshot on its own, which reads as independent curiosity.
func (n *Node) MainLoop(rt *node.Runtime) error {
	if !n.autonomousVision {
		return nil
	}
	now := time.Now()
	n.mu.Lock()
	due := now.After(n.nextSnapshot) && now.Sub(n.lastSnapshot) >= snapshotFloor
	if due {
		n.lastSnapshot = now
		n.scheduleNextSnapshotLocked(now)
	}
	n.mu.Unlock()
	if due {
		n.publishSnapPic("autonomous_random")
	}
	return nil
}

func (n *Node) scheduleNextSnapshot(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scheduleNextSnapshotLocked(now)
}

// scheduleNextSnapshotLocked picks base ± 50%.
func (n *Node) scheduleNextSnapshotLocked(now time.Time) {
	jitter := 0.5 + n.rng.Float64()
	n.nextSnapshot = now.Add(time.Duration(float64(n.snapshotBase) * jitter))
}

// === Bus handlers ===

// onVoiceCommand handles one transcribed user utterance.
func (n *Node) onVoiceCommand(msg bus.Message) {
	// The realtime transcript republished by this node loops back on its
	// own subscription; that copy is informational, the turn is already
	// in flight on the session.
	if msg.SourceNode == n.rt.Name() {
		return
	}
	payload, ok := msg.Data.(map[string]any)
	if !ok {
		n.rt.Log().Warn("voice_command with unexpected payload", "type", "not a map")
		return
	}
	text, _ := payload["text"].(string)
	if strings.TrimSpace(text) == "" {
		return
	}
	conversationID, _ := payload["conversation_id"].(string)

	n.mu.Lock()
	if n.responseInProgress {
		if time.Since(n.responseStart) <= StuckResponseTimeout {
			n.mu.Unlock()
			n.rt.Log().Warn("dropping voice command, response in progress", "text", text)
			return
		}
		// Stuck response: self-heal and accept the new turn.
		n.rt.Log().Warn("response stuck past timeout, clearing flag")
		n.responseInProgress = false
	}
	n.conversationID = conversationID
	n.mu.Unlock()

	if n.chat != nil {
		n.chat.LogStep(conversationID, chatlog.StepRequest, text, nil).End("", nil)
	}
	n.rt.Publish(bus.TopicSystemMode, map[string]any{
		"mode":      "thinking",
		"reason":    "processing voice command",
		"timestamp": jsontime.Now(),
	}, bus.PriorityNormal)

	intent := detectVisionIntent(text)
	if intent == visionIntentSee {
		// Response generation waits for the camera.
		n.mu.Lock()
		n.awaitingVision = true
		n.mu.Unlock()
		n.publishSnapPic("vision_intent")
		n.session.AddUserMessage(text)
		return
	}
	if intent == visionIntentSurroundings {
		n.publishSnapPic("surroundings_intent")
	}

	n.session.AddUserMessage(text)
	n.beginResponse()
}

// onVisualData handles one camera frame. A frame arriving mid-response is
// queued and processed exactly once at response.done.
func (n *Node) onVisualData(msg bus.Message) {
	payload, ok := msg.Data.(map[string]any)
	if !ok {
		return
	}
	image, _ := payload["image_data"].(string)
	if image == "" {
		return
	}
	captureID, _ := payload["capture_id"].(string)
	frame := visualFrame{imageBase64: image, captureID: captureID}

	n.mu.Lock()
	if n.responseInProgress {
		n.queuedVision = append(n.queuedVision, frame)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.processVision(frame)
}

// processVision runs the hybrid path: the streaming model cannot see
// images, so a separate vision completion produces a short description
// that is injected into the session as marked user text.
func (n *Node) processVision(frame visualFrame) {
	if n.vision == nil {
		n.rt.Log().Warn("visual_data received but no vision capability configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	description, err := n.vision.Describe(ctx, frame.imageBase64)
	if err != nil {
		n.rt.Log().Error("vision completion failed", "error", err, "capture_id", frame.captureID)
		n.rt.CountError()
		return
	}
	n.session.AddUserMessage(visionMarkerPrefix + description + "]")

	n.mu.Lock()
	awaited := n.awaitingVision
	n.awaitingVision = false
	n.mu.Unlock()
	if awaited {
		n.beginResponse()
	}
}

// beginResponse sets the response flag and asks the server to generate,
// unless a response is already being produced.
func (n *Node) beginResponse() {
	n.mu.Lock()
	if n.responseInProgress {
		n.mu.Unlock()
		return
	}
	n.responseInProgress = true
	n.responseStart = time.Now()
	n.assistantText.Reset()
	n.gestureCalls = 0
	if n.chat != nil {
		n.gptStep = n.chat.LogStep(n.conversationID, chatlog.StepGPT, "", nil)
	}
	n.mu.Unlock()

	n.session.CreateResponse(&realtime.ResponseCreateOptions{Modalities: n.modalities})
}

// === Server event handlers ===

func (n *Node) onResponseCreated(ev *realtime.ServerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responseInProgress = true
	if n.responseStart.IsZero() {
		n.responseStart = time.Now()
	}
	if ev.Response != nil {
		n.responseID = ev.Response.ID
	}
}

func (n *Node) onOutputItemAdded(ev *realtime.ServerEvent) {
	if ev.Item == nil || ev.Item.Type != "function_call" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingCalls[ev.Item.CallID] = &pendingCall{name: ev.Item.Name}
}

func (n *Node) onFunctionArgsDelta(ev *realtime.ServerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if call, ok := n.pendingCalls[ev.CallID]; ok {
		call.args.WriteString(ev.Delta)
	}
}

func (n *Node) onFunctionArgsDone(ev *realtime.ServerEvent) {
	n.mu.Lock()
	call, ok := n.pendingCalls[ev.CallID]
	if ok {
		delete(n.pendingCalls, ev.CallID)
	}
	n.mu.Unlock()
	if !ok {
		n.rt.Log().Warn("function arguments for unknown call", "call_id", ev.CallID)
		return
	}
	args := ev.Arguments
	if args == "" {
		args = call.args.String()
	}
	result := n.dispatchTool(call.name, args)
	n.session.AddFunctionCallOutput(ev.CallID, result)
}

func (n *Node) onTextDelta(ev *realtime.ServerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assistantText.WriteString(ev.Delta)
}

func (n *Node) onResponseDone(ev *realtime.ServerEvent) {
	n.mu.Lock()
	n.responseInProgress = false
	text := n.assistantText.String()
	n.assistantText.Reset()
	gestureCalls := n.gestureCalls
	n.gestureCalls = 0
	responseID := n.responseID
	if ev.Response != nil && ev.Response.ID != "" {
		responseID = ev.Response.ID
	}
	conversationID := n.conversationID
	queued := n.queuedVision
	n.queuedVision = nil
	step := n.gptStep
	n.gptStep = nil
	n.mu.Unlock()

	if step != nil {
		step.End(text, nil)
	}

	if strings.TrimSpace(text) != "" {
		n.rt.Publish(bus.TopicMoodChange, map[string]any{
			"mood":      moodForText(text),
			"source":    n.rt.Name(),
			"context":   "assistant response",
			"timestamp": jsontime.Now(),
		}, bus.PriorityLow)
		n.rt.Publish(bus.TopicTextResponse, map[string]any{
			"text":            text,
			"voice":           "default",
			"priority":        "normal",
			"timestamp":       jsontime.Now(),
			"conversation_id": conversationID,
		}, bus.PriorityNormal)

		// Minimum-gesture policy for text-only turns: when speech
		// synthesis produced an audio-side batch for this response it is
		// the sole injector, and this pass is skipped.
		if gestureCalls < n.minGestures && !n.ledger.Marked(responseID) {
			if actions := n.injector.Inject(text, n.minGestures-gestureCalls, n.maxGestures-gestureCalls); len(actions) > 0 {
				n.rt.Publish(bus.TopicRobotAction, map[string]any{
					"actions":     actions,
					"source_text": text,
					"mood":        gesture.DetectSpeed(text),
					"priority":    "normal",
					"timestamp":   jsontime.Now(),
				}, bus.PriorityNormal)
			}
		}
	}

	n.rt.Publish(bus.TopicSystemMode, map[string]any{
		"mode":      "idle",
		"reason":    "response complete",
		"timestamp": jsontime.Now(),
	}, bus.PriorityNormal)

	// Vision frames deferred during the response are processed exactly
	// once, now.
	for _, frame := range queued {
		n.processVision(frame)
	}
}

func (n *Node) onServerError(ev *realtime.ServerEvent) {
	code := ""
	if ev.Err != nil {
		code = ev.Err.Code
	}
	if code == realtime.ErrorCodeActiveResponse {
		// The server is still generating; keep the flag and wait for
		// response.done.
		n.rt.Log().Warn("response.create raced an active response")
		return
	}
	n.mu.Lock()
	n.responseInProgress = false
	n.mu.Unlock()
	if ev.Err != nil {
		n.rt.Log().Error("server error", "code", ev.Err.Code, "message", ev.Err.Message)
	}
	n.rt.CountError()
}

// onInputTranscription republishes the realtime transcript as a
// voice_command so non-streaming consumers (and the chat log) observe the
// same turn stream.
func (n *Node) onInputTranscription(ev *realtime.ServerEvent) {
	text := strings.TrimSpace(ev.Transcript)
	if text == "" {
		return
	}
	if n.chat != nil {
		n.chat.LogStep(n.currentConversation(), chatlog.StepSTT, "", nil).End(text, nil)
	}
	n.rt.Publish(bus.TopicVoiceCommand, map[string]any{
		"text":            text,
		"confidence":      RealtimeTranscriptConfidence,
		"conversation_id": n.currentConversation(),
		"mode":            "realtime",
		"timestamp":       jsontime.Now(),
	}, bus.PriorityNormal)
}

func (n *Node) currentConversation() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conversationID
}

func (n *Node) recordGestureCall() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gestureCalls++
}

func (n *Node) publishSnapPic(trigger string) {
	n.rt.Publish(bus.TopicSnapPic, map[string]any{
		"requested_by": n.rt.Name(),
		"trigger":      trigger,
		"timestamp":    jsontime.Now(),
	}, bus.PriorityNormal)
}

// moodForText maps the sentiment speed detector onto the mood names the
// LED/expression collaborators understand.
func moodForText(text string) string {
	switch gesture.DetectSpeed(text) {
	case gesture.SpeedFast:
		return "excited"
	case gesture.SpeedSlow:
		return "calm"
	default:
		return "neutral"
	}
}

// === Vision intent detection ===

type visionIntent int

const (
	visionIntentNone visionIntent = iota
	// visionIntentSee suspends response generation until the camera
	// frame arrives.
	visionIntentSee
	// visionIntentSurroundings snaps a picture but answers immediately.
	visionIntentSurroundings
)

var seePhrases = []string{
	"what do you see",
	"what can you see",
	"describe what you see",
	"look at",
	"can you see",
	"take a look",
}

var surroundingsWords = map[string]bool{
	"surroundings": true,
	"environment":  true,
	"around":       true,
}

// detectVisionIntent matches on Unicode word boundaries so phrase
// detection holds across punctuation and casing.
func detectVisionIntent(text string) visionIntent {
	var toks []string
	iter := words.FromString(strings.ToLower(text))
	for iter.Next() {
		tok := strings.TrimSpace(iter.Value())
		if tok != "" {
			toks = append(toks, tok)
		}
	}
	normalized := " " + strings.Join(toks, " ") + " "
	for _, phrase := range seePhrases {
		if strings.Contains(normalized, " "+phrase+" ") {
			return visionIntentSee
		}
	}
	for _, tok := range toks {
		if surroundingsWords[tok] {
			return visionIntentSurroundings
		}
	}
	return visionIntentNone
}
