// Package realtime maintains the single persistent bidirectional session to
// the streaming LLM endpoint that the whole voice pipeline shares.
//
// The Connection owns its transport and its outbound queue exclusively. It
// reconnects with exponential backoff when the link drops, buffers outbound
// events in a bounded FIFO while offline, and dispatches inbound server
// events to typed handlers registered with On. Audio capture, the AI core,
// and speech synthesis all touch the same Connection through SendSync and
// handler registration only; they never share mutable state directly.
//
// Two transports satisfy the same wire contract: WebSocket (the default)
// and WebRTC (peer connection with a data channel for events and an audio
// track for media-plane offload).
package realtime
