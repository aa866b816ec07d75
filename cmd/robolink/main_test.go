package main

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robolink/internal/config"
	"github.com/banshee-data/robolink/internal/monitoring"
)

func ptr[T any](v T) *T { return &v }

func TestLoadConfig(t *testing.T) {
	t.Run("no file gives defaults", func(t *testing.T) {
		cfg, err := loadConfig("")
		require.NoError(t, err)
		assert.Equal(t, "serial", cfg.GetTransportMode())
		assert.Equal(t, uint16(1973), cfg.GetPeerPort())
	})

	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "robolink.yaml")
		require.NoError(t, os.WriteFile(path, []byte("peer:\n  port: 2000\n"), 0o600))
		cfg, err := loadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, uint16(2000), cfg.GetPeerPort())
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestApplyFlags(t *testing.T) {
	oldPort, oldDev, oldListen, oldJournal := *port, *devMode, *listen, *journalPath
	t.Cleanup(func() { *port, *devMode, *listen, *journalPath = oldPort, oldDev, oldListen, oldJournal })

	*port, *devMode, *listen, *journalPath = "/dev/ttyS3", true, ":9090", "/tmp/j.db"
	cfg := &config.Config{}
	applyFlags(cfg)

	assert.Equal(t, "/dev/ttyS3", cfg.GetSerialPath())
	assert.Equal(t, "udp", cfg.GetTransportMode())
	assert.Equal(t, ":9090", cfg.GetDebugListen())
	assert.Equal(t, "/tmp/j.db", cfg.GetJournalPath())
}

// readDatagram waits for a datagram whose command byte is code. Datagrams
// carry the frame from the MAC onwards: MAC(6) timestamp(4) command payload.
func readDatagram(t *testing.T, conn *net.UDPConn, code byte) ([]byte, netip.AddrPort) {
	t.Helper()
	buf := make([]byte, 256)
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		require.NoError(t, err, "waiting for %q", code)
		if n >= 11 && buf[10] == code {
			return append([]byte(nil), buf[:n]...), src
		}
	}
}

func TestRun_DevMode(t *testing.T) {
	t.Cleanup(func() {
		monitoring.SetLogger(nil)
		monitoring.SetDebugLogger(nil)
	})

	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()
	serverAddr := server.LocalAddr().(*net.UDPAddr).AddrPort()

	journalFile := filepath.Join(t.TempDir(), "journal.db")
	cfg := &config.Config{
		Transport: config.TransportConfig{Mode: ptr("udp"), UDPListen: ptr("127.0.0.1:0")},
		Peer:      config.PeerConfig{Address: ptr("127.0.0.1"), Port: ptr(int(serverAddr.Port()))},
		Journal:   config.JournalConfig{Path: ptr(journalFile)},
		Log:       config.LogConfig{Level: ptr("error")},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	// The first loop iteration reports the released button.
	p, robotAddr := readDatagram(t, server, 'P')
	require.Len(t, p, 12)
	assert.Equal(t, byte(1), p[11])

	// Ask for the range; the simulated sensor reads 100 cm.
	_, err = server.WriteToUDPAddrPort([]byte{'R'}, robotAddr)
	require.NoError(t, err)
	r, _ := readDatagram(t, server, 'R')
	require.Len(t, r, 13)
	assert.Equal(t, uint16(100), binary.LittleEndian.Uint16(r[11:]))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}

	_, err = os.Stat(journalFile)
	assert.NoError(t, err, "journal written")
}
