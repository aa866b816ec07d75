// Package config loads the robolink process configuration.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is where cmd/robolink looks when -config is not given
// and the file exists.
const DefaultConfigPath = "config/robolink.yaml"

// Config is the root configuration. Every field is optional; the Get*
// accessors fall back to defaults for anything left unset, so partial
// files are safe.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Peer      PeerConfig      `mapstructure:"peer"`
	Network   NetworkConfig   `mapstructure:"network"`
	Timing    TimingConfig    `mapstructure:"timing"`
	Pins      map[string]int  `mapstructure:"pins"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Log       LogConfig       `mapstructure:"log"`
}

// TransportConfig selects how the radio module is reached.
type TransportConfig struct {
	// Mode is "serial" for a real module or "udp" for the module emulator.
	Mode *string `mapstructure:"mode"`
	// UDPListen is the emulator's local socket address.
	UDPListen *string `mapstructure:"udp_listen"`
}

// SerialConfig describes the radio module's serial line.
type SerialConfig struct {
	Path     *string `mapstructure:"path"`
	BaudRate *int    `mapstructure:"baud_rate"`
	DataBits *int    `mapstructure:"data_bits"`
	StopBits *int    `mapstructure:"stop_bits"`
	Parity   *string `mapstructure:"parity"`
}

// PeerConfig is the single remote server.
type PeerConfig struct {
	Address *string `mapstructure:"address"`
	Port    *int    `mapstructure:"port"`
}

// NetworkConfig is written to the module when it reports no association.
type NetworkConfig struct {
	SSID       *string `mapstructure:"ssid"`
	Passphrase *string `mapstructure:"passphrase"`
	Encryption *int    `mapstructure:"encryption"`
}

// TimingConfig holds the loop's timing constants. Durations are strings
// like "10ms".
type TimingConfig struct {
	PollTimeout        *string `mapstructure:"poll_timeout"`
	HeartbeatThreshold *int    `mapstructure:"heartbeat_threshold"`
	LongHold           *string `mapstructure:"long_hold"`
	SetupAckTimeout    *string `mapstructure:"setup_ack_timeout"`
	TickFrequency      *int    `mapstructure:"tick_frequency"`
}

// JournalConfig configures the optional frame journal.
type JournalConfig struct {
	// Path of the sqlite database. Empty disables the journal.
	Path *string `mapstructure:"path"`
}

// DebugConfig configures the debug HTTP surface.
type DebugConfig struct {
	// Listen address. Empty disables the server.
	Listen *string `mapstructure:"listen"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      *string `mapstructure:"level"`
	Format     *string `mapstructure:"format"`
	File       *string `mapstructure:"file"`
	MaxSizeMB  *int    `mapstructure:"max_size_mb"`
	MaxBackups *int    `mapstructure:"max_backups"`
	MaxAgeDays *int    `mapstructure:"max_age_days"`
}

const maxFileSize = 1 * 1024 * 1024 // 1MB

var configTypes = map[string]string{
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
}

// Load reads a configuration file. The extension selects the format
// (json, yaml or toml). The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	typ, ok := configTypes[ext]
	if !ok {
		return nil, fmt.Errorf("config file must have a .json, .yaml, .yml or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	v := viper.New()
	v.SetConfigFile(cleanPath)
	v.SetConfigType(typ)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if m := c.Transport.Mode; m != nil && *m != "serial" && *m != "udp" {
		return fmt.Errorf("transport.mode must be \"serial\" or \"udp\", got %q", *m)
	}
	if c.Transport.UDPListen != nil {
		if _, err := netip.ParseAddrPort(*c.Transport.UDPListen); err != nil {
			return fmt.Errorf("invalid transport.udp_listen %q: %w", *c.Transport.UDPListen, err)
		}
	}

	if p := c.Serial.Parity; p != nil {
		switch strings.ToUpper(*p) {
		case "N", "E", "O", "M", "S":
		default:
			return fmt.Errorf("serial.parity must be one of N, E, O, M, S, got %q", *p)
		}
	}
	if b := c.Serial.BaudRate; b != nil && *b <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", *b)
	}

	if a := c.Peer.Address; a != nil {
		addr, err := netip.ParseAddr(*a)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("peer.address must be an IPv4 address, got %q", *a)
		}
	}
	if p := c.Peer.Port; p != nil && (*p <= 0 || *p > 0xFFFF) {
		return fmt.Errorf("peer.port must be between 1 and 65535, got %d", *p)
	}

	if s := c.Network.SSID; s != nil && (len(*s) == 0 || len(*s) > 32) {
		return fmt.Errorf("network.ssid must be 1-32 bytes, got %d", len(*s))
	}
	if e := c.Network.Encryption; e != nil && (*e < 0 || *e > 3) {
		return fmt.Errorf("network.encryption must be between 0 and 3, got %d", *e)
	}

	for name, d := range map[string]*string{
		"timing.poll_timeout":      c.Timing.PollTimeout,
		"timing.long_hold":         c.Timing.LongHold,
		"timing.setup_ack_timeout": c.Timing.SetupAckTimeout,
	} {
		if d == nil || *d == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *d)
		}
	}
	if h := c.Timing.HeartbeatThreshold; h != nil && *h <= 0 {
		return fmt.Errorf("timing.heartbeat_threshold must be positive, got %d", *h)
	}
	if f := c.Timing.TickFrequency; f != nil && *f < 1000 {
		return fmt.Errorf("timing.tick_frequency must be at least 1000, got %d", *f)
	}

	for name, pin := range c.Pins {
		if pin < 0 || pin > 31 {
			return fmt.Errorf("pins.%s must be between 0 and 31, got %d", name, pin)
		}
	}
	return nil
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// GetTransportMode returns the transport mode, "serial" by default.
func (c *Config) GetTransportMode() string { return stringOr(c.Transport.Mode, "serial") }

// GetUDPListen returns the emulator's listen address.
func (c *Config) GetUDPListen() string { return stringOr(c.Transport.UDPListen, "0.0.0.0:2616") }

// GetSerialPath returns the serial device path.
func (c *Config) GetSerialPath() string { return stringOr(c.Serial.Path, "/dev/ttyUSB0") }

// GetBaudRate returns the serial baud rate. The module ships at 9600.
func (c *Config) GetBaudRate() int { return intOr(c.Serial.BaudRate, 9600) }

// GetDataBits returns the serial data bits.
func (c *Config) GetDataBits() int { return intOr(c.Serial.DataBits, 8) }

// GetStopBits returns the serial stop bits.
func (c *Config) GetStopBits() int { return intOr(c.Serial.StopBits, 1) }

// GetParity returns the serial parity letter.
func (c *Config) GetParity() string { return strings.ToUpper(stringOr(c.Serial.Parity, "N")) }

// GetPeerAddress returns the remote server address.
func (c *Config) GetPeerAddress() netip.Addr {
	addr, err := netip.ParseAddr(stringOr(c.Peer.Address, "52.73.65.98"))
	if err != nil {
		return netip.AddrFrom4([4]byte{52, 73, 65, 98})
	}
	return addr
}

// GetPeerPort returns the remote server port.
func (c *Config) GetPeerPort() uint16 { return uint16(intOr(c.Peer.Port, 1973)) }

// GetSSID returns the network name written during recovery.
func (c *Config) GetSSID() string { return stringOr(c.Network.SSID, "robonet") }

// GetPassphrase returns the network passphrase written during recovery.
func (c *Config) GetPassphrase() string { return stringOr(c.Network.Passphrase, "cybercamp") }

// GetEncryption returns the module encryption mode (2 is WPA2).
func (c *Config) GetEncryption() byte { return byte(intOr(c.Network.Encryption, 2)) }

// GetPollTimeout returns the loop's receive timeout.
func (c *Config) GetPollTimeout() time.Duration {
	return durationOr(c.Timing.PollTimeout, 10*time.Millisecond)
}

// GetHeartbeatThreshold returns the consecutive timeouts per heartbeat.
func (c *Config) GetHeartbeatThreshold() int { return intOr(c.Timing.HeartbeatThreshold, 100) }

// GetLongHold returns the button hold that enters setup mode.
func (c *Config) GetLongHold() time.Duration { return durationOr(c.Timing.LongHold, 3*time.Second) }

// GetSetupAckTimeout returns how long setup mode waits for the module.
func (c *Config) GetSetupAckTimeout() time.Duration {
	return durationOr(c.Timing.SetupAckTimeout, 2*time.Second)
}

// GetTickFrequency returns the simulated system counter rate.
func (c *Config) GetTickFrequency() uint32 {
	return uint32(intOr(c.Timing.TickFrequency, 80_000_000))
}

// GetJournalPath returns the journal database path, empty when disabled.
func (c *Config) GetJournalPath() string { return stringOr(c.Journal.Path, "") }

// GetDebugListen returns the debug server address, empty when disabled.
func (c *Config) GetDebugListen() string { return stringOr(c.Debug.Listen, "") }

// GetLogLevel returns the log level name.
func (c *Config) GetLogLevel() string { return stringOr(c.Log.Level, "info") }

// GetLogFormat returns "text" or "json".
func (c *Config) GetLogFormat() string { return stringOr(c.Log.Format, "text") }

// GetLogFile returns the log file path, empty for stderr only.
func (c *Config) GetLogFile() string { return stringOr(c.Log.File, "") }

// GetLogMaxSizeMB returns the rotation size.
func (c *Config) GetLogMaxSizeMB() int { return intOr(c.Log.MaxSizeMB, 10) }

// GetLogMaxBackups returns the number of rotated files kept.
func (c *Config) GetLogMaxBackups() int { return intOr(c.Log.MaxBackups, 5) }

// GetLogMaxAgeDays returns the maximum age of rotated files.
func (c *Config) GetLogMaxAgeDays() int { return intOr(c.Log.MaxAgeDays, 30) }
