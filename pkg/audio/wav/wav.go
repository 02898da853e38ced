// Package wav writes and reads the minimal RIFF WAVE shape the synthesis
// path needs: uncompressed PCM with the sample bytes preserved exactly as
// received from the audio delta stream.
package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/nevil-robotics/nevil-core/pkg/audio/pcm"
)

// Synthesis is the fixed output format of the streaming TTS path: one
// channel, 16-bit signed, 24 kHz.
const Synthesis = pcm.L16Mono24K

// Encode writes data as a complete WAV stream to w.
func Encode(w io.Writer, data []byte, f pcm.Format) error {
	blockAlign := f.Channels() * f.Depth() / 8
	byteRate := f.BytesRate()

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(data)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(f.Channels()))
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.SampleRate()))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(f.Depth()))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(data)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteFile writes data to path as a WAV file.
func WriteFile(path string, data []byte, f pcm.Format) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(file, data, f); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Decode reads a WAV stream and returns its PCM data and format. Only
// uncompressed PCM in a layout the pipeline speaks is supported.
func Decode(r io.Reader) ([]byte, pcm.Format, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("wav: not a RIFF WAVE stream")
	}

	var format pcm.Format
	var sawFmt bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF {
				return nil, 0, fmt.Errorf("wav: no data chunk")
			}
			return nil, 0, err
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, err
			}
			if audioFormat := binary.LittleEndian.Uint16(body[0:2]); audioFormat != 1 {
				return nil, 0, fmt.Errorf("wav: unsupported audio format %d", audioFormat)
			}
			channels := int(binary.LittleEndian.Uint16(body[2:4]))
			rate := int(binary.LittleEndian.Uint32(body[4:8]))
			depth := int(binary.LittleEndian.Uint16(body[14:16]))
			var err error
			format, err = pcm.ByFields(rate, channels, depth)
			if err != nil {
				return nil, 0, err
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return nil, 0, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			data := make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, 0, err
			}
			return data, format, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, 0, err
			}
		}
	}
}

// ReadFile reads path and returns its PCM data and format.
func ReadFile(path string) ([]byte, pcm.Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()
	return Decode(file)
}
