package xbee

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/robolink/internal/httputil"
	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
	"github.com/banshee-data/robolink/internal/timeutil"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrClosed is returned once the serial line has ended. It wraps io.EOF.
	ErrClosed = fmt.Errorf("xbee: transport closed: %w", io.EOF)
)

// Stats are transport counters.
type Stats struct {
	FramesIn    uint64 `json:"frames_in"`
	FramesOut   uint64 `json:"frames_out"`
	Oversize    uint64 `json:"oversize"`
	SendErrors  uint64 `json:"send_errors"`
	Commands    uint64 `json:"commands"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	BadChecksum uint64 `json:"bad_checksum"`
	Skipped     uint64 `json:"skipped"`
}

// Transport carries API frames over a serial line. Monitor runs the
// reader in its own goroutine; Receive and Command must only be called
// from one goroutine (the control loop). Send is safe for concurrent use.
type Transport struct {
	port  SerialPorter
	clock timeutil.Clock

	chunks  chan []byte
	done    chan struct{}
	doneErr error
	once    sync.Once

	dec Decoder // owned by the Receive/Command caller

	writeMu sync.Mutex
	closing atomic.Bool

	framesIn, framesOut, oversize, sendErrors, commands atomic.Uint64
	bytesIn, bytesOut, badChecksum, skipped             atomic.Uint64

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
}

// NewTransport wraps an open port.
func NewTransport(port SerialPorter, clock timeutil.Clock) *Transport {
	return &Transport{
		port:        port,
		clock:       clock,
		chunks:      make(chan []byte, 64),
		done:        make(chan struct{}),
		subscribers: make(map[string]chan string),
	}
}

// Monitor reads the serial port until ctx is cancelled or the port ends,
// handing byte chunks to Receive and Command.
func (t *Transport) Monitor(ctx context.Context) error {
	err := t.readLoop(ctx)
	t.finish(err)
	return err
}

func (t *Transport) readLoop(ctx context.Context) error {
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.bytesIn.Add(uint64(n))
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case t.chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if t.closing.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

func (t *Transport) finish(err error) {
	t.once.Do(func() {
		t.doneErr = err
		close(t.done)
	})
}

func (t *Transport) closedErr() error {
	if t.doneErr != nil && !errors.Is(t.doneErr, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrClosed, t.doneErr)
	}
	return ErrClosed
}

// Send writes one API frame.
func (t *Transport) Send(frame []byte) error {
	out, err := EncodeAPI(frame)
	if err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("%w: %d bytes", err, len(frame))
	}
	if err := t.write(out); err != nil {
		t.sendErrors.Add(1)
		return err
	}
	t.framesOut.Add(1)
	t.publish("tx", frame)
	return nil
}

func (t *Transport) write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	n, err := t.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrWriteFailed
	}
	t.bytesOut.Add(uint64(n))
	return nil
}

// Receive waits up to timeout for one API frame and copies it into buf.
// It returns protocol.ErrTimeout when nothing complete arrived, and
// ErrClosed once the port has ended. Frames larger than buf are dropped.
func (t *Transport) Receive(buf []byte, timeout time.Duration) (int, error) {
	timer := t.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		if n, ok := t.nextFrame(buf); ok {
			return n, nil
		}
		select {
		case chunk := <-t.chunks:
			t.feed(chunk)
		case <-timer.C():
			return 0, protocol.ErrTimeout
		case <-t.done:
			t.drain()
			if n, ok := t.nextFrame(buf); ok {
				return n, nil
			}
			return 0, t.closedErr()
		}
	}
}

func (t *Transport) feed(chunk []byte) {
	skipped, bad := t.dec.Skipped, t.dec.BadChecksum
	t.dec.Feed(chunk)
	t.skipped.Add(t.dec.Skipped - skipped)
	if d := t.dec.BadChecksum - bad; d > 0 {
		t.badChecksum.Add(d)
		monitoring.Logf("xbee: dropped %d frame(s) with bad checksum", d)
	}
}

func (t *Transport) drain() {
	for {
		select {
		case chunk := <-t.chunks:
			t.feed(chunk)
		default:
			return
		}
	}
}

func (t *Transport) nextFrame(buf []byte) (int, bool) {
	for {
		frame, ok := t.dec.Next()
		if !ok {
			return 0, false
		}
		if len(frame) > len(buf) {
			t.oversize.Add(1)
			monitoring.Logf("xbee: dropped %d byte frame, buffer holds %d", len(frame), len(buf))
			continue
		}
		t.framesIn.Add(1)
		t.publish("rx", frame)
		return copy(buf, frame), true
	}
}

// Command writes raw text to the module (outside API framing) and reads
// the reply up to and including the first carriage return, or until limit
// bytes have arrived. On timeout it returns what was read along with
// protocol.ErrTimeout. API data received before the command is discarded;
// bytes following the reply in the same read are kept for Receive.
func (t *Transport) Command(text string, limit int, timeout time.Duration) (string, error) {
	t.commands.Add(1)
	t.dec.Reset()
	if err := t.write([]byte(text)); err != nil {
		return "", err
	}
	monitoring.Debugf("xbee: cmd %q", text)

	timer := t.clock.NewTimer(timeout)
	defer timer.Stop()

	var reply []byte
	for {
		select {
		case chunk := <-t.chunks:
			for i, b := range chunk {
				reply = append(reply, b)
				if b == '\r' || len(reply) >= limit {
					t.feed(chunk[i+1:])
					return string(reply), nil
				}
			}
		case <-timer.C():
			return string(reply), protocol.ErrTimeout
		case <-t.done:
			return string(reply), t.closedErr()
		}
	}
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		FramesIn:    t.framesIn.Load(),
		FramesOut:   t.framesOut.Load(),
		Oversize:    t.oversize.Load(),
		SendErrors:  t.sendErrors.Load(),
		Commands:    t.commands.Load(),
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
		BadChecksum: t.badChecksum.Load(),
		Skipped:     t.skipped.Load(),
	}
}

// Close closes all trace subscribers and the port.
func (t *Transport) Close() error {
	t.closing.Store(true)

	t.subscriberMu.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriberMu.Unlock()

	return t.port.Close()
}

// Subscribe returns a channel receiving a one-line trace of every frame
// sent or received. Slow subscribers miss lines.
func (t *Transport) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 16)
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	if t.closing.Load() {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a trace subscriber.
func (t *Transport) Unsubscribe(id string) {
	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

func (t *Transport) publish(dir string, frame []byte) {
	monitoring.Debugf("xbee: %s %s", dir, protocol.Dump(frame))

	t.subscriberMu.Lock()
	defer t.subscriberMu.Unlock()
	if len(t.subscribers) == 0 {
		return
	}
	line := dir + " " + protocol.Dump(frame)
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// AttachAdminRoutes registers /debug/xbee (counters as JSON) and
// /debug/xbee-tail (server-sent frame trace).
func (t *Transport) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("xbee", "radio module transport counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, t.Stats())
	})

	debug.HandleSilentFunc("xbee-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := t.Subscribe()
		defer t.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
