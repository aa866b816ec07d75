package xbee

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
	"github.com/banshee-data/robolink/internal/timeutil"
)

func quietLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })
}

// startTransport runs Monitor on a fresh testable port and tears it down
// with the test.
func startTransport(t *testing.T) (*Transport, *TestableSerialPort) {
	t.Helper()
	quietLogs(t)
	port := NewTestableSerialPort()
	tr := NewTransport(port, timeutil.RealClock{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Monitor(ctx) }()

	t.Cleanup(func() {
		cancel()
		tr.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("monitor did not stop")
		}
	})
	return tr, port
}

func TestTransport_Send(t *testing.T) {
	tr, port := startTransport(t)

	require.NoError(t, tr.Send([]byte{0x08, 0x01, 'S', 'L'}))
	assert.Equal(t, []byte{0x7e, 0x00, 0x04, 0x08, 0x01, 'S', 'L', 0x57}, port.GetWrittenData())

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.FramesOut)
	assert.Equal(t, uint64(8), stats.BytesOut)
}

func TestTransport_SendErrors(t *testing.T) {
	tr, port := startTransport(t)

	boom := errors.New("write failed")
	port.WriteError = boom
	assert.ErrorIs(t, tr.Send([]byte{1}), boom)

	port.ShortWrite = true
	assert.ErrorIs(t, tr.Send([]byte{1}), ErrWriteFailed)

	assert.Error(t, tr.Send(nil))
	assert.Equal(t, uint64(3), tr.Stats().SendErrors)
}

func TestTransport_Receive(t *testing.T) {
	tr, port := startTransport(t)

	frame := []byte{0x88, 0x04, 'M', 'Y', 0x00, 10, 0, 0, 7}
	enc, err := EncodeAPI(frame)
	require.NoError(t, err)
	// Split across reads to exercise reassembly.
	port.AddReadData(enc[:3])
	go func() {
		time.Sleep(5 * time.Millisecond)
		port.AddReadData(enc[3:])
	}()

	buf := make([]byte, protocol.BufferSize)
	n, err := tr.Receive(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])
	assert.Equal(t, uint64(1), tr.Stats().FramesIn)
}

func TestTransport_ReceiveTimeout(t *testing.T) {
	tr, _ := startTransport(t)

	buf := make([]byte, protocol.BufferSize)
	start := time.Now()
	n, err := tr.Receive(buf, 10*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTransport_ReceiveDropsOversize(t *testing.T) {
	tr, port := startTransport(t)

	big, err := EncodeAPI(make([]byte, 32))
	require.NoError(t, err)
	small, err := EncodeAPI([]byte{0xb0, 1})
	require.NoError(t, err)
	port.AddReadData(append(big, small...))

	buf := make([]byte, 16)
	n, err := tr.Receive(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xb0, 1}, buf[:n])
	assert.Equal(t, uint64(1), tr.Stats().Oversize)
}

func TestTransport_ReceiveAfterClose(t *testing.T) {
	quietLogs(t)
	port := NewTestableSerialPort()
	tr := NewTransport(port, timeutil.RealClock{})

	done := make(chan error, 1)
	go func() { done <- tr.Monitor(context.Background()) }()

	enc, err := EncodeAPI([]byte{0xb0, 2})
	require.NoError(t, err)
	port.AddReadData(enc)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())
	require.NoError(t, <-done)

	buf := make([]byte, protocol.BufferSize)
	n, err := tr.Receive(buf, time.Second)
	require.NoError(t, err, "frames read before close are still delivered")
	assert.Equal(t, []byte{0xb0, 2}, buf[:n])

	_, err = tr.Receive(buf, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransport_MonitorReadError(t *testing.T) {
	quietLogs(t)
	port := NewTestableSerialPort()
	tr := NewTransport(port, timeutil.RealClock{})

	boom := errors.New("device unplugged")
	port.InjectReadError(boom)
	err := tr.Monitor(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = tr.Receive(make([]byte, 8), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestTransport_Command(t *testing.T) {
	tr, port := startTransport(t)
	port.OnWrite = func(p []byte) {
		if string(p) == "+++" {
			port.AddReadData([]byte("OK\rjunk"))
		}
	}

	reply, err := tr.Command("+++", 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK\r", reply)
	assert.Equal(t, []byte("+++"), port.GetWrittenData())
	assert.Equal(t, uint64(1), tr.Stats().Commands)
}

func TestTransport_CommandLimit(t *testing.T) {
	tr, port := startTransport(t)
	port.OnWrite = func([]byte) { port.AddReadData([]byte("0123456789ABCDEF")) }

	reply, err := tr.Command("ATVR\r", 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", reply)
}

func TestTransport_CommandKeepsTrailingFrame(t *testing.T) {
	tr, port := startTransport(t)
	frame := []byte{0x88, 0x05, 'A', 'I', 0x00, 0x00}
	enc, err := EncodeAPI(frame)
	require.NoError(t, err)
	port.OnWrite = func(p []byte) {
		if string(p) == "ATNR\r" {
			port.AddReadData(append([]byte("OK\r"), enc...))
		}
	}

	reply, err := tr.Command("ATNR\r", 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK\r", reply)

	buf := make([]byte, protocol.BufferSize)
	n, err := tr.Receive(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])
}

func TestTransport_CommandTimeout(t *testing.T) {
	tr, port := startTransport(t)
	port.OnWrite = func([]byte) { port.AddReadData([]byte("O")) }

	reply, err := tr.Command("+++", 10, 20*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, "O", reply)
}

func TestTransport_ReceiveWithMockClock(t *testing.T) {
	quietLogs(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	tr := NewTransport(NewTestableSerialPort(), clock)

	result := make(chan error, 1)
	go func() {
		_, err := tr.Receive(make([]byte, 8), 10*time.Millisecond)
		result <- err
	}()

	// The timer is armed once Receive starts; keep nudging the clock.
	deadline := time.After(time.Second)
	for {
		clock.Advance(10 * time.Millisecond)
		select {
		case err := <-result:
			assert.ErrorIs(t, err, protocol.ErrTimeout)
			return
		case <-deadline:
			t.Fatal("receive did not time out on mock clock")
		case <-time.After(time.Millisecond):
		}
	}
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestTransport_AdminStats(t *testing.T) {
	tr, _ := startTransport(t)
	require.NoError(t, tr.Send([]byte{0x20}))

	mux := http.NewServeMux()
	tr.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/xbee"))
	require.Equal(t, http.StatusOK, rec.Code)

	var got Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(1), got.FramesOut)
}

func TestTransport_AdminTail(t *testing.T) {
	tr, _ := startTransport(t)

	mux := http.NewServeMux()
	tr.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/xbee-tail")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": ping", lines.Text())

	require.NoError(t, tr.Send([]byte{0x20, 0x10}))
	for lines.Scan() {
		if strings.HasPrefix(lines.Text(), "data:") {
			assert.Equal(t, "data: tx buffer 2: 20 10", lines.Text())
			return
		}
	}
	t.Fatal("no trace line received")
}

func TestTransport_Subscribe(t *testing.T) {
	tr, _ := startTransport(t)

	id, ch := tr.Subscribe()
	require.NoError(t, tr.Send([]byte{0x20, 0x10, 0x01}))
	assert.Equal(t, "tx buffer 3: 20 10 01", <-ch)

	tr.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
}
