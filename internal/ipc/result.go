package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// sttResult is the newline-delimited JSON payload on the result socket.
type sttResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ResultEgress streams STT results to the peer as newline-delimited JSON,
// suppressing consecutive duplicates (same text, same finality).
type ResultEgress struct {
	sock *Socket

	mu       sync.Mutex
	lastText string
	lastFin  bool
	sentAny  bool
}

// NewResultEgress binds the result socket at addr.
func NewResultEgress(addr string) (*ResultEgress, error) {
	sock, err := Listen(addr, "stt_result")
	if err != nil {
		return nil, err
	}
	return &ResultEgress{sock: sock}, nil
}

// Serve accepts peers until ctx is cancelled. The peer never sends data;
// its reads are discarded by the connection handler.
func (r *ResultEgress) Serve(ctx context.Context) error {
	return r.sock.Serve(ctx, drainClient)
}

// Close tears the egress down.
func (r *ResultEgress) Close() error { return r.sock.Close() }

// Send writes one result line. Duplicates of the previous line are silently
// suppressed; an absent peer is not an error.
func (r *ResultEgress) Send(text string, isFinal bool) error {
	r.mu.Lock()
	if r.sentAny && r.lastText == text && r.lastFin == isFinal {
		r.mu.Unlock()
		return nil
	}
	r.lastText, r.lastFin, r.sentAny = text, isFinal, true
	r.mu.Unlock()

	line, err := json.Marshal(sttResult{Text: text, IsFinal: isFinal})
	if err != nil {
		return fmt.Errorf("ipc: marshal result: %w", err)
	}
	line = append(line, '\n')

	if err := r.sock.SendRaw(line); err != nil {
		if errors.Is(err, ErrNoClient) {
			return nil
		}
		return err
	}
	return nil
}
