package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recordingHandler captures every ingress callback.
type recordingHandler struct {
	mu       sync.Mutex
	audio    [][]byte
	silences []time.Duration
	events   []string
}

func (h *recordingHandler) OnAudio(pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	h.audio = append(h.audio, cp)
}

func (h *recordingHandler) OnSilence(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.silences = append(h.silences, d)
}

func (h *recordingHandler) OnEndSession()   { h.event("end") }
func (h *recordingHandler) OnReset()        { h.event("reset") }
func (h *recordingHandler) OnStartSession() { h.event("start") }
func (h *recordingHandler) OnInterrupt()    { h.event("interrupt") }

func (h *recordingHandler) event(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, name)
}

func (h *recordingHandler) snapshot() ([][]byte, []time.Duration, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.audio...), append([]time.Duration(nil), h.silences...), append([]string(nil), h.events...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAudioIngressFraming(t *testing.T) {
	t.Parallel()

	addr := filepath.Join(t.TempDir(), "audio.sock")
	h := &recordingHandler{}
	ing, err := NewAudioIngress(addr, h)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ing.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Serve(ctx)

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// One audio frame: 3 samples of 16-bit PCM.
	pcm := []byte{1, 0, 2, 0, 3, 0}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 3)
	conn.Write(header[:])
	conn.Write(pcm)

	// SILENCE_EVENT with 250 ms payload.
	binary.LittleEndian.PutUint32(header[:], 0xFFFFFFFF)
	conn.Write(header[:])
	conn.Write([]byte{0x01})
	var ms [8]byte
	binary.LittleEndian.PutUint64(ms[:], 250)
	conn.Write(ms[:])

	// INTERRUPT.
	conn.Write(header[:])
	conn.Write([]byte{0x05})

	waitFor(t, func() bool {
		audio, silences, events := h.snapshot()
		return len(audio) == 1 && len(silences) == 1 && len(events) == 1
	})

	audio, silences, events := h.snapshot()
	if string(audio[0]) != string(pcm) {
		t.Errorf("audio frame = %v, want %v", audio[0], pcm)
	}
	if silences[0] != 250*time.Millisecond {
		t.Errorf("silence = %v, want 250ms", silences[0])
	}
	if events[0] != "interrupt" {
		t.Errorf("event = %q, want interrupt", events[0])
	}
}

func TestResultEgressDedup(t *testing.T) {
	t.Parallel()

	addr := filepath.Join(t.TempDir(), "result.sock")
	eg, err := NewResultEgress(addr)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer eg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eg.Serve(ctx)

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Let the accept loop register the client.
	waitFor(t, func() bool { return eg.sock.Connected() })

	eg.Send("你好", false)
	eg.Send("你好", false) // duplicate, suppressed
	eg.Send("你好", true)  // same text, different finality
	eg.Send("再见", true)

	scanner := bufio.NewScanner(conn)
	var lines []sttResult
	for len(lines) < 3 && scanner.Scan() {
		var r sttResult
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("bad json line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, r)
	}

	want := []sttResult{{"你好", false}, {"你好", true}, {"再见", true}}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d = %+v, want %+v", i, lines[i], w)
		}
	}
}

func TestTTSEgressFraming(t *testing.T) {
	t.Parallel()

	addr := filepath.Join(t.TempDir(), "tts.sock")
	eg, err := NewTTSEgress(addr)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer eg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eg.Serve(ctx)

	// No client yet: fail fast.
	if err := eg.SendWAV([]byte("x")); !errors.Is(err, ErrNoClient) {
		t.Fatalf("err = %v, want ErrNoClient", err)
	}

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return eg.Connected() })

	blob := []byte("RIFF-fake-wav")
	if err := eg.SendWAV(blob); err != nil {
		t.Fatalf("send: %v", err)
	}

	var header [4]byte
	if _, err := conn.Read(header[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got := binary.LittleEndian.Uint32(header[:]); got != uint32(len(blob)) {
		t.Fatalf("length header = %d, want %d", got, len(blob))
	}
	payload := make([]byte, len(blob))
	if _, err := conn.Read(payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != string(blob) {
		t.Fatalf("payload = %q, want %q", payload, blob)
	}
}
