// Package audiocapture implements the microphone side of the voice
// pipeline: PCM capture, software gain, the mutex gate that keeps the
// robot's own noise out of the STT path, VAD, silence gating, and the
// manual commit protocol against the realtime session.
package audiocapture

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevil-robotics/nevil-core/pkg/audio/pcm"
	"github.com/nevil-robotics/nevil-core/pkg/audio/vad"
	"github.com/nevil-robotics/nevil-core/pkg/buffer"
	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/hardware"
	"github.com/nevil-robotics/nevil-core/pkg/mutex"
	"github.com/nevil-robotics/nevil-core/pkg/node"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
)

// Format is the capture format: 24 kHz mono PCM16.
const Format = pcm.L16Mono24K

// SampleRate is the capture sample rate in Hz.
const SampleRate = 24000

// ChunkDuration is the length of one capture frame.
const ChunkDuration = 200 * time.Millisecond

// ChunkSamples is one capture frame in samples: 4800 at 24 kHz.
var ChunkSamples = int(Format.SamplesInDuration(ChunkDuration))

// DefaultGain is the fixed software gain applied to raw samples.
const DefaultGain = 3.0

// commitPause is how long intake pauses around a commit so in-flight
// work drains.
const commitPause = 50 * time.Millisecond

// minCommitBuffer is the least buffered audio worth committing.
var minCommitBuffer = int(Format.SamplesInDuration(50 * time.Millisecond))

// paddingRingFrames bounds the pre-speech padding window (~300 ms of
// 200 ms chunks, rounded up).
const paddingRingFrames = 2

// Session is the slice of the realtime connection this node drives.
type Session interface {
	AppendAudioBase64(audio string) bool
	CommitInput() bool
	ClearInput() bool
	CreateResponse(opts *realtime.ResponseCreateOptions) bool
	ResponseInProgress() bool
}

// Config is the node's descriptor configuration section.
type Config struct {
	Gain           float64 `yaml:"gain"`
	VADEnabled     *bool   `yaml:"vad_enabled"`
	VADThreshold   float64 `yaml:"vad_threshold"`
	SilenceFrames  int     `yaml:"silence_frames"`
	MinSpeechMs    int     `yaml:"min_speech_ms"`
	CommitCooldown int     `yaml:"commit_cooldown_ms"`
	Modalities     []string `yaml:"response_modalities"`
}

// Node is the capture node body.
type Node struct {
	device  hardware.InputDevice
	session Session
	mics    *mutex.Registry

	gain       float64
	vadEnabled bool
	detector   *vad.Detector
	modalities []string

	// floatBuf accumulates gained samples until a full chunk exists.
	floatBuf []float32

	// padding holds encoded silence chunks for pre-speech context.
	padding *buffer.Ring[string]

	paused atomic.Bool

	// sentSinceCommit guards against empty-buffer commits.
	sentSinceCommit atomic.Int64

	// volume is the most recent frame's RMS, readable from the monitor
	// without touching the worker.
	volume pcm.Volume

	chunksSent    atomic.Uint64
	chunksSkipped atomic.Uint64
	blocksGated   atomic.Uint64
	commits       atomic.Uint64
	discards      atomic.Uint64
	readErrors    atomic.Uint64

	wg sync.WaitGroup
}

// New creates the capture node over the given device, session, and mutex
// registry.
func New(device hardware.InputDevice, session Session, mics *mutex.Registry, cfg Config) *Node {
	gain := cfg.Gain
	if gain == 0 {
		gain = DefaultGain
	}
	vadCfg := vad.Config{
		Threshold:     cfg.VADThreshold,
		SilenceFrames: cfg.SilenceFrames,
	}
	if cfg.MinSpeechMs > 0 {
		vadCfg.MinSpeechDuration = time.Duration(cfg.MinSpeechMs) * time.Millisecond
	}
	if cfg.CommitCooldown > 0 {
		vadCfg.CommitCooldown = time.Duration(cfg.CommitCooldown) * time.Millisecond
	}
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{realtime.ModalityText, realtime.ModalityAudio}
	}
	enabled := true
	if cfg.VADEnabled != nil {
		enabled = *cfg.VADEnabled
	}
	return &Node{
		device:     device,
		session:    session,
		mics:       mics,
		gain:       gain,
		vadEnabled: enabled,
		detector:   vad.NewDetector(vadCfg),
		modalities: modalities,
		padding:    buffer.NewRing[string](paddingRingFrames),
	}
}

// Callbacks: the capture node consumes nothing from the bus.
func (n *Node) Callbacks() map[string]node.Handler {
	return map[string]node.Handler{}
}

// Initialize starts the single producer worker.
func (n *Node) Initialize(rt *node.Runtime) error {
	if n.device == nil {
		return hardware.ErrNotAvailable
	}
	rt.Publish(bus.TopicListeningStatus, map[string]any{"listening": true}, bus.PriorityNormal)
	n.wg.Add(1)
	go n.captureWorker(rt)
	return nil
}

// Cleanup closes the device first so a worker blocked in Read wakes up,
// then flushes the remaining buffer (subject to the mutex gate).
func (n *Node) Cleanup(rt *node.Runtime) error {
	err := n.device.Close()
	n.wg.Wait()
	n.flushRemaining()
	rt.Publish(bus.TopicListeningStatus, map[string]any{"listening": false}, bus.PriorityNormal)
	return err
}

// Pause keeps the stream open but discards frames until Resume.
func (n *Node) Pause() { n.paused.Store(true) }

// Resume re-enables frame processing.
func (n *Node) Resume() { n.paused.Store(false) }

// Stats is a monitor snapshot of capture counters. Skipped chunks are
// silence never sent upstream: direct cost savings.
type Stats struct {
	Volume        float32 `json:"volume"`
	ChunksSent    uint64 `json:"chunks_sent"`
	ChunksSkipped uint64 `json:"chunks_skipped"`
	BlocksGated   uint64 `json:"blocks_gated"`
	Commits       uint64 `json:"commits"`
	Discards      uint64 `json:"discards"`
	ReadErrors    uint64 `json:"read_errors"`
}

// Stats returns the current counters.
func (n *Node) Stats() Stats {
	return Stats{
		Volume:        n.volume.Level(),
		ChunksSent:    n.chunksSent.Load(),
		ChunksSkipped: n.chunksSkipped.Load(),
		BlocksGated:   n.blocksGated.Load(),
		Commits:       n.commits.Load(),
		Discards:      n.discards.Load(),
		ReadErrors:    n.readErrors.Load(),
	}
}

func (n *Node) captureWorker(rt *node.Runtime) {
	defer n.wg.Done()
	block := make([]int16, 1024)
	for {
		select {
		case <-rt.ShuttingDown():
			return
		default:
		}

		count, err := n.device.Read(block)
		if err != nil {
			select {
			case <-rt.ShuttingDown():
				return
			default:
			}
			n.readErrors.Add(1)
			rt.CountError()
			rt.Log().Warn("device read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if count == 0 {
			continue
		}
		n.processBlock(rt, block[:count])
	}
}

// processBlock runs steps 2-6 of the capture pipeline for one device
// read.
func (n *Node) processBlock(rt *node.Runtime, samples []int16) {
	if n.paused.Load() {
		return
	}

	// Mutex gate: while any noisy activity is live, the block is
	// discarded entirely. Nothing is buffered, classified, or forwarded;
	// this is what keeps the robot's own speech out of the STT path.
	if !n.mics.IsMicrophoneAvailable() {
		n.blocksGated.Add(1)
		return
	}

	for _, s := range samples {
		f := float32(s) / 32768.0 * float32(n.gain)
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		n.floatBuf = append(n.floatBuf, f)
	}

	for len(n.floatBuf) >= ChunkSamples {
		chunk := n.floatBuf[:ChunkSamples]
		n.floatBuf = n.floatBuf[ChunkSamples:]
		n.processFrame(rt, chunk)
	}
}

func (n *Node) processFrame(rt *node.Runtime, chunk []float32) {
	volume := rms(chunk)
	n.volume.Set(float32(volume))
	encoded := base64.StdEncoding.EncodeToString(pcmBytes(chunk))

	if !n.vadEnabled {
		n.send(encoded)
		return
	}

	class, event := n.detector.Feed(volume, time.Now())

	switch event {
	case vad.SpeechStarted:
		// Fresh utterance: drop stale server-side audio, then replay
		// the suppressed pre-speech padding for context.
		n.session.ClearInput()
		n.sentSinceCommit.Store(0)
		for _, pad := range n.padding.Drain() {
			n.send(pad)
		}
	case vad.SpeechDiscarded:
		// Too short or too soon after the last commit: drop the audio the
		// server has buffered for this segment.
		n.session.ClearInput()
		n.sentSinceCommit.Store(0)
		n.discards.Add(1)
	}

	switch class {
	case vad.Speech, vad.Padding:
		n.send(encoded)
	case vad.Silence:
		n.padding.Push(encoded)
		n.chunksSkipped.Add(1)
	}

	if event == vad.SpeechEnded {
		n.commit(rt)
	}
}

// commit runs the manual end-of-turn protocol: drain in-flight work,
// commit the server buffer, and request a response unless one is already
// being generated.
func (n *Node) commit(rt *node.Runtime) {
	// Never commit an empty server buffer: at least 50 ms of audio must
	// have been appended since the previous commit, and the microphone
	// must still be trustworthy.
	if int(n.sentSinceCommit.Load())*ChunkSamples < minCommitBuffer || !n.mics.IsMicrophoneAvailable() {
		n.discards.Add(1)
		return
	}

	n.paused.Store(true)
	time.Sleep(commitPause)

	n.session.CommitInput()
	n.commits.Add(1)
	n.sentSinceCommit.Store(0)
	n.floatBuf = n.floatBuf[:0]

	if !n.session.ResponseInProgress() {
		n.session.CreateResponse(&realtime.ResponseCreateOptions{Modalities: n.modalities})
	}
	rt.Publish(bus.TopicSystemMode, map[string]any{"mode": "thinking", "reason": "speech committed"}, bus.PriorityNormal)

	n.paused.Store(false)
}

func (n *Node) send(encoded string) {
	n.session.AppendAudioBase64(encoded)
	n.chunksSent.Add(1)
	n.sentSinceCommit.Add(1)
}

// flushRemaining sends whatever partial chunk is left, still honoring the
// mutex gate.
func (n *Node) flushRemaining() {
	if len(n.floatBuf) == 0 || !n.mics.IsMicrophoneAvailable() {
		return
	}
	n.send(base64.StdEncoding.EncodeToString(pcmBytes(n.floatBuf)))
	n.floatBuf = n.floatBuf[:0]
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func pcmBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
