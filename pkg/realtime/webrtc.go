package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// WebRTCTransport is the alternate transport: a peer connection carrying a
// data channel for JSON events plus audio tracks for media-plane offload.
// Events flow exactly as they do over WebSocket; the audio track is an
// optional fast path for outbound PCM.
type WebRTCTransport struct {
	// HTTPURL is the endpoint for session creation and SDP exchange;
	// DefaultHTTPURL if empty.
	HTTPURL string

	Model string

	Credentials Credentials

	// HTTPClient used for token and SDP requests; http.DefaultClient if
	// nil.
	HTTPClient *http.Client

	// ICEServers overrides the default public STUN server.
	ICEServers []webrtc.ICEServer
}

func (t *WebRTCTransport) httpURL() string {
	if t.HTTPURL != "" {
		return t.HTTPURL
	}
	return DefaultHTTPURL
}

func (t *WebRTCTransport) httpClient() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

// Dial performs the full WebRTC setup: ephemeral token, peer connection,
// data channel, SDP offer/answer. It returns once the data channel is open.
func (t *WebRTCTransport) Dial(ctx context.Context) (Wire, error) {
	token := t.Credentials.EphemeralToken
	if token == "" {
		var err error
		token, err = t.mintEphemeralToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("realtime: ephemeral token: %w", err)
		}
	}

	iceServers := t.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("realtime: peer connection: %w", err)
	}

	w := &webrtcWire{
		pc:      pc,
		frames:  make(chan []byte, 100),
		closeCh: make(chan struct{}),
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("realtime: audio transceiver: %w", err)
	}

	dc, err := pc.CreateDataChannel("oai-events", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("realtime: data channel: %w", err)
	}
	w.dc = dc

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case w.frames <- msg.Data:
		case <-w.closeCh:
		}
	})
	dc.OnClose(func() { w.fail(io.EOF) })

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			w.mu.Lock()
			w.remoteTrack = track
			w.mu.Unlock()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("realtime: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("realtime: local description: %w", err)
	}
	<-webrtc.GatheringCompletePromise(pc)

	answer, err := t.exchangeSDP(ctx, token, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("realtime: sdp exchange: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("realtime: remote description: %w", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		pc.Close()
		return nil, &Error{Code: "connection_failed", Message: "data channel open timeout"}
	}

	return w, nil
}

type ephemeralSessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// mintEphemeralToken trades the long-lived API key for a short-lived
// client secret via the sessions endpoint.
func (t *WebRTCTransport) mintEphemeralToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]any{"model": t.Model})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.httpURL()+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.Credentials.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", &Error{Code: "session_creation_failed", Message: string(msg), HTTPStatus: resp.StatusCode}
	}

	var sess ephemeralSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return "", err
	}
	return sess.ClientSecret.Value, nil
}

// exchangeSDP posts the local offer and returns the remote answer.
func (t *WebRTCTransport) exchangeSDP(ctx context.Context, token, sdp string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", t.httpURL(), t.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(sdp)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", &Error{Code: "sdp_exchange_failed", Message: string(msg), HTTPStatus: resp.StatusCode}
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(answer), nil
}

type webrtcWire struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	frames  chan []byte
	closeCh chan struct{}

	mu          sync.Mutex
	remoteTrack *webrtc.TrackRemote
	localTrack  *webrtc.TrackLocalStaticRTP
	rtpSeq      uint16
	rtpTS       uint32
	rtpSSRC     uint32
	closeErr    error
	closed      bool
}

func (w *webrtcWire) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.closeErr = err
	close(w.closeCh)
}

func (w *webrtcWire) Read() ([]byte, error) {
	select {
	case frame := <-w.frames:
		return frame, nil
	case <-w.closeCh:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closeErr != nil {
			return nil, w.closeErr
		}
		return nil, io.EOF
	}
}

func (w *webrtcWire) Write(frame []byte) error {
	if w.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return &Error{Code: "connection_failed", Message: "data channel not open"}
	}
	return w.dc.Send(frame)
}

func (w *webrtcWire) Close() error {
	w.fail(nil)
	return w.pc.Close()
}

// RemoteAudioTrack returns the server's audio track once negotiated, nil
// before that.
func (w *webrtcWire) RemoteAudioTrack() *webrtc.TrackRemote {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remoteTrack
}

// AddLocalAudioTrack attaches an outbound RTP audio track. May be called
// at most once per wire.
func (w *webrtcWire) AddLocalAudioTrack(track *webrtc.TrackLocalStaticRTP, ssrc uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.localTrack != nil {
		return fmt.Errorf("realtime: local audio track already added")
	}
	if _, err := w.pc.AddTrack(track); err != nil {
		return err
	}
	w.localTrack = track
	w.rtpSSRC = ssrc
	return nil
}

// WriteAudioRTP packetizes one encoded audio frame and writes it to the
// local track. samplesPerFrame advances the RTP timestamp at the track's
// clock rate.
func (w *webrtcWire) WriteAudioRTP(payload []byte, payloadType uint8, samplesPerFrame uint32) error {
	w.mu.Lock()
	track := w.localTrack
	w.rtpSeq++
	w.rtpTS += samplesPerFrame
	seq, ts, ssrc := w.rtpSeq, w.rtpTS, w.rtpSSRC
	w.mu.Unlock()

	if track == nil {
		return fmt.Errorf("realtime: no local audio track")
	}
	return track.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	})
}
