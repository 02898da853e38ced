// Package audio provides audio processing utilities.
//
// This package serves as an umbrella for audio-related sub-packages:
//
//   - pcm: PCM (Pulse Code Modulation) format handling for the 24 kHz
//     mono 16-bit stream the voice pipeline speaks end to end
//   - vad: the volume-threshold voice activity detector that gates what
//     the capture engine sends upstream
//   - wav: the RIFF WAVE writer/reader bridging synthesized utterances
//     to the file-based playback collaborator
package audio
