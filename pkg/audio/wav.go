// Package audio provides PCM helpers shared by the Lumina voice pipeline:
// WAV container encoding for synthesised speech and sample-count arithmetic
// for the ingress framing.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// IngressSampleRate is the sample rate of microphone PCM arriving on the
	// audio ingress socket (16-bit LE mono).
	IngressSampleRate = 16000

	// EgressSampleRate is the sample rate of synthesised PCM written to the
	// TTS egress socket (16-bit LE mono).
	EgressSampleRate = 32000

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// WrapWAV prepends a RIFF/WAVE header to raw 16-bit mono PCM at the given
// sample rate. The result is a complete, self-describing WAV blob suitable
// for length-prefixed framing on the egress socket.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))                        // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))                         // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))                         // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))                // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*BytesPerSample)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(BytesPerSample))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))                        // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// SampleBytes converts an ingress sample count into the number of payload
// bytes that follow the length header. Returns an error if the count would
// overflow a reasonable frame (the peer sends at most a few seconds per frame).
func SampleBytes(sampleCount uint32) (int, error) {
	const maxFrameSamples = IngressSampleRate * 30 // 30 s of audio per frame is already absurd
	if sampleCount > maxFrameSamples {
		return 0, fmt.Errorf("audio: frame of %d samples exceeds limit", sampleCount)
	}
	return int(sampleCount) * BytesPerSample, nil
}

// Duration returns the play time of a raw PCM buffer at the given sample rate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
