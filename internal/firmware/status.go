package firmware

import (
	"maps"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/robolink/internal/httputil"
)

// Counters tally loop activity since start.
type Counters struct {
	Iterations    uint64 `json:"iterations"`
	ConfigReplies uint64 `json:"config_replies"`
	Commands      uint64 `json:"commands"`
	Unknown       uint64 `json:"unknown"`
	Events        uint64 `json:"events"`
	Heartbeats    uint64 `json:"heartbeats"`
	SendErrors    uint64 `json:"send_errors"`
	ReceiveErrors uint64 `json:"receive_errors"`
	Recoveries    uint64 `json:"recoveries"`
	SetupModes    uint64 `json:"setup_modes"`
	SetupTimeouts uint64 `json:"setup_timeouts"`
}

// Status is the snapshot served on the debug page.
type Status struct {
	UptimeMs    int32             `json:"uptime_ms"`
	Peer        string            `json:"peer"`
	MAC         string            `json:"mac"`
	Address     string            `json:"address"`
	Port        uint16            `json:"port"`
	Association byte              `json:"association"`
	Whiskers    byte              `json:"whiskers"`
	Button      byte              `json:"button"`
	Infrared    byte              `json:"infrared"`
	Timeouts    int               `json:"consecutive_timeouts"`
	LastHoldMs  int32             `json:"last_hold_ms"`
	Counters    Counters          `json:"counters"`
	ByCommand   map[string]uint64 `json:"by_command"`
}

type statusBoard struct {
	mu sync.Mutex
	s  Status
}

// publish copies loop state to the board. Called by the loop only.
func (d *Device) publish() {
	s := Status{
		UptimeMs:    d.millis.NowMs(),
		Peer:        d.opts.Peer.String(),
		MAC:         d.id.MACString(),
		Address:     d.id.AddrString(),
		Port:        uint16(d.id.Port[0])<<8 | uint16(d.id.Port[1]),
		Association: d.association,
		Whiskers:    d.whiskers,
		Button:      d.button,
		Infrared:    d.infrared,
		Timeouts:    d.timeouts,
		LastHoldMs:  d.btn.hold,
		Counters:    d.counters,
		ByCommand:   maps.Clone(d.byCommand),
	}
	d.board.mu.Lock()
	d.board.s = s
	d.board.mu.Unlock()
}

// Status returns the last published snapshot. It is safe to call from any
// goroutine.
func (d *Device) Status() Status {
	d.board.mu.Lock()
	defer d.board.mu.Unlock()
	s := d.board.s
	s.ByCommand = maps.Clone(s.ByCommand)
	return s
}

// AttachAdminRoutes registers /debug/robot with the loop's status as JSON.
func (d *Device) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("robot", "robot identity, sensors and counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, d.Status())
	})
}
