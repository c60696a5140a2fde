// Package ipc implements the local socket surfaces of the Lumina core: the
// audio ingress with its control sub-channel, the STT result egress, and the
// TTS audio egress.
//
// All three endpoints use a stream socket — a Unix domain socket on POSIX, a
// loopback TCP socket on Windows — and manage a single peer connection: a
// newly connecting client replaces the previous one. Writes fail fast when no
// peer is connected and the socket simply awaits the next connection.
package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
)

// ErrNoClient is returned by Send when no peer is connected.
var ErrNoClient = errors.New("ipc: no client connected")

// network decides the socket family from the address shape: anything with a
// path separator is a Unix domain socket, anything else is TCP.
func network(addr string) string {
	if strings.ContainsRune(addr, '/') {
		return "unix"
	}
	return "tcp"
}

// Socket is a single-client stream socket server.
//
// All methods are safe for concurrent use; Send serialises writers so frames
// never interleave.
type Socket struct {
	name string
	addr string

	ln net.Listener

	mu     sync.Mutex
	client net.Conn
}

// Listen binds a Socket at addr. A stale Unix socket file from a previous
// run is removed first. Binding failure is fatal to startup — the caller
// aborts before accepting any audio.
func Listen(addr, name string) (*Socket, error) {
	nw := network(addr)
	if nw == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("ipc: remove stale socket %q: %w", addr, err)
		}
	}

	ln, err := net.Listen(nw, addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: bind %s %q: %w", nw, addr, err)
	}

	slog.Info("socket listening", "name", name, "addr", addr, "network", nw)
	return &Socket{name: name, addr: addr, ln: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Each accepted client replaces the previous one; onClient, when non-nil, is
// invoked with every new connection and owns reading from it.
func (s *Socket) Serve(ctx context.Context, onClient func(ctx context.Context, conn net.Conn)) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ipc: accept on %s: %w", s.name, err)
		}

		s.mu.Lock()
		if s.client != nil {
			slog.Info("replacing connected client", "name", s.name)
			s.client.Close()
		}
		s.client = conn
		s.mu.Unlock()

		slog.Info("client connected", "name", s.name, "remote", conn.RemoteAddr())

		if onClient != nil {
			go func(c net.Conn) {
				onClient(ctx, c)
				s.dropClient(c)
			}(conn)
		}
	}
}

// dropClient clears the client slot if conn still occupies it.
func (s *Socket) dropClient(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == conn {
		s.client = nil
		slog.Info("client disconnected", "name", s.name)
	}
	conn.Close()
}

// Send writes one length-prefixed frame (4-byte little-endian length header
// followed by data) to the connected client. Returns ErrNoClient when no
// peer is connected; a write failure drops the client so the next Send fails
// fast until a new peer connects.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNoClient
	}

	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	if _, err := s.client.Write(frame); err != nil {
		slog.Warn("send failed, dropping client", "name", s.name, "err", err)
		s.client.Close()
		s.client = nil
		return fmt.Errorf("ipc: send on %s: %w", s.name, err)
	}
	return nil
}

// SendRaw writes data without a length prefix (newline-delimited protocols).
func (s *Socket) SendRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNoClient
	}
	if _, err := s.client.Write(data); err != nil {
		slog.Warn("send failed, dropping client", "name", s.name, "err", err)
		s.client.Close()
		s.client = nil
		return fmt.Errorf("ipc: send on %s: %w", s.name, err)
	}
	return nil
}

// Connected reports whether a peer is currently attached.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Close shuts the listener and any connected client down and removes the
// Unix socket file.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.mu.Unlock()

	err := s.ln.Close()
	if network(s.addr) == "unix" {
		os.Remove(s.addr)
	}
	return err
}

// Addr returns the bound address.
func (s *Socket) Addr() string { return s.addr }
