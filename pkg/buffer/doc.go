// Package buffer provides the small, thread-safe buffer shapes the voice
// pipeline is built from.
//
// Two shapes cover every buffering need in the runtime:
//
//   - Ring: a bounded FIFO that drops the oldest element on overflow. Used
//     for the realtime connection's offline outbound queue and for the
//     audio capture engine's pre-speech padding window.
//   - Bytes: an append-only byte accumulator. Used by speech synthesis to
//     collect server audio deltas into one complete utterance before the
//     blob is flushed to a WAV file.
//
// Neither shape blocks: producers are never stalled by a slow consumer,
// matching the bus-wide policy that slowness is punished by drops.
package buffer
