package ipc

import (
	"context"
	"net"
)

// TTSEgress streams synthesised speech to the peer: one length-prefixed WAV
// blob per completed sentence.
type TTSEgress struct {
	sock *Socket
}

// NewTTSEgress binds the TTS audio socket at addr.
func NewTTSEgress(addr string) (*TTSEgress, error) {
	sock, err := Listen(addr, "tts_audio")
	if err != nil {
		return nil, err
	}
	return &TTSEgress{sock: sock}, nil
}

// Serve accepts peers until ctx is cancelled.
func (t *TTSEgress) Serve(ctx context.Context) error {
	return t.sock.Serve(ctx, drainClient)
}

// Close tears the egress down.
func (t *TTSEgress) Close() error { return t.sock.Close() }

// SendWAV writes one WAV blob. Returns ErrNoClient when no peer is attached.
func (t *TTSEgress) SendWAV(wav []byte) error {
	return t.sock.Send(wav)
}

// Connected reports whether a peer is attached.
func (t *TTSEgress) Connected() bool { return t.sock.Connected() }

// drainClient keeps a write-only peer connection alive by consuming (and
// discarding) anything it sends, returning when it disconnects.
func drainClient(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
