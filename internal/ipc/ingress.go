package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cortantse/lumina/pkg/audio"
)

// controlHeader is the length value that flags a control message instead of
// an audio frame.
const controlHeader = 0xFFFFFFFF

// Control message types on the ingress sub-channel.
const (
	ctrlSilenceEvent   = 0x01
	ctrlEndSession     = 0x02
	ctrlResetToInitial = 0x03
	ctrlStartSession   = 0x04
	ctrlInterrupt      = 0x05
)

// IngressHandler receives decoded ingress traffic. Implementations must be
// safe for concurrent use; callbacks arrive on the connection's read
// goroutine and should hand work off quickly.
type IngressHandler interface {
	// OnAudio delivers one frame of 16-bit LE PCM mono 16 kHz samples.
	OnAudio(pcm []byte)

	// OnSilence delivers a peer-reported silence duration.
	OnSilence(d time.Duration)

	// OnEndSession ends the current session gracefully.
	OnEndSession()

	// OnReset clears buffers and returns the conversational state machine to
	// its initial mode.
	OnReset()

	// OnStartSession begins a fresh session.
	OnStartSession()

	// OnInterrupt hard-cancels all in-flight output.
	OnInterrupt()
}

// AudioIngress is the audio ingress server: length-prefixed PCM frames with
// an interleaved control sub-channel.
type AudioIngress struct {
	sock    *Socket
	handler IngressHandler
}

// NewAudioIngress binds the ingress socket at addr.
func NewAudioIngress(addr string, handler IngressHandler) (*AudioIngress, error) {
	sock, err := Listen(addr, "audio_ingress")
	if err != nil {
		return nil, err
	}
	return &AudioIngress{sock: sock, handler: handler}, nil
}

// Serve accepts peers and decodes their frames until ctx is cancelled.
func (a *AudioIngress) Serve(ctx context.Context) error {
	return a.sock.Serve(ctx, a.readLoop)
}

// Close tears the ingress down.
func (a *AudioIngress) Close() error { return a.sock.Close() }

// readLoop decodes frames from one peer until it disconnects.
func (a *AudioIngress) readLoop(ctx context.Context, conn net.Conn) {
	header := make([]byte, 4)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("ingress read ended", "err", err)
			}
			return
		}

		length := binary.LittleEndian.Uint32(header)
		if length == controlHeader {
			if err := a.readControl(conn); err != nil {
				slog.Warn("ingress control message failed", "err", err)
				return
			}
			continue
		}

		n, err := audio.SampleBytes(length)
		if err != nil {
			// A bogus sample count means framing is lost; drop the peer.
			slog.Warn("ingress framing error", "err", err)
			return
		}
		pcm := make([]byte, n)
		if _, err := io.ReadFull(conn, pcm); err != nil {
			slog.Warn("ingress truncated audio frame", "err", err)
			return
		}
		a.handler.OnAudio(pcm)
	}
}

// readControl decodes one control message following a controlHeader.
func (a *AudioIngress) readControl(conn net.Conn) error {
	var typ [1]byte
	if _, err := io.ReadFull(conn, typ[:]); err != nil {
		return fmt.Errorf("read control type: %w", err)
	}

	switch typ[0] {
	case ctrlSilenceEvent:
		var payload [8]byte
		if _, err := io.ReadFull(conn, payload[:]); err != nil {
			return fmt.Errorf("read silence payload: %w", err)
		}
		ms := binary.LittleEndian.Uint64(payload[:])
		a.handler.OnSilence(time.Duration(ms) * time.Millisecond)

	case ctrlEndSession:
		a.handler.OnEndSession()
	case ctrlResetToInitial:
		a.handler.OnReset()
	case ctrlStartSession:
		a.handler.OnStartSession()
	case ctrlInterrupt:
		a.handler.OnInterrupt()
	default:
		slog.Warn("unknown control message type", "type", fmt.Sprintf("0x%02x", typ[0]))
	}
	return nil
}
