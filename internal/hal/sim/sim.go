// Package sim is an in-memory robot. Blocking hardware actions sleep on a
// timeutil.Clock so tests can run them instantly on a mock clock.
package sim

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/robolink/internal/hal"
	"github.com/banshee-data/robolink/internal/httputil"
	"github.com/banshee-data/robolink/internal/timeutil"
)

// GotoTicksPerSecond is the wheel speed used for DriveGoto moves.
const GotoTicksPerSecond = 64

// pingPerCM is the ultrasonic round trip per centimetre.
const pingPerCM = 58 * time.Microsecond

// Action is one recorded hardware call.
type Action struct {
	Name string `json:"name"`
	Args []int  `json:"args,omitempty"`
}

func (a Action) String() string { return fmt.Sprintf("%s%v", a.Name, a.Args) }

// Robot implements hal.Robot in memory. It is safe for concurrent use;
// blocking calls sleep without holding the lock.
type Robot struct {
	clock timeutil.Clock

	mu       sync.Mutex
	inputs   map[int]hal.Level
	outputs  map[int]hal.Level
	actions  []Action
	distance int

	speedL, speedR int
	left, right    float64 // encoder totals, right counted forward
	lastDrive      time.Time

	dacPin int
}

// NewRobot returns a robot at rest with every input low except the
// button, which idles high (released).
func NewRobot(clock timeutil.Clock, pins hal.PinMap) *Robot {
	return &Robot{
		clock:     clock,
		inputs:    map[int]hal.Level{pins.Button: hal.High},
		outputs:   map[int]hal.Level{},
		distance:  100,
		lastDrive: clock.Now(),
		dacPin:    -1,
	}
}

func (r *Robot) record(name string, args ...int) {
	r.actions = append(r.actions, Action{Name: name, Args: args})
}

// SetInput sets the level seen on an input pin.
func (r *Robot) SetInput(pin int, level hal.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[pin] = level
}

// SetDistance sets what the ranger reports.
func (r *Robot) SetDistance(cm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.distance = cm
}

// Actions returns the recorded calls, excluding input reads.
func (r *Robot) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

// ClearActions forgets recorded calls.
func (r *Robot) ClearActions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = nil
}

// Input implements hal.DigitalIO.
func (r *Robot) Input(pin int) hal.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputs[pin]
}

// High implements hal.DigitalIO.
func (r *Robot) High(pin int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("high", pin)
	r.outputs[pin] = hal.High
}

// Low implements hal.DigitalIO.
func (r *Robot) Low(pin int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("low", pin)
	r.outputs[pin] = hal.Low
}

// Toggle implements hal.DigitalIO.
func (r *Robot) Toggle(pin int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("toggle", pin)
	r.outputs[pin] ^= 1
}

// Output implements hal.DigitalIO.
func (r *Robot) Output(pin int) hal.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[pin]
}

// SetOutput implements hal.DigitalIO.
func (r *Robot) SetOutput(pin int, level hal.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("set-output", pin, int(level))
	r.outputs[pin] = level
}

// FreqOut implements hal.Sound.
func (r *Robot) FreqOut(pin int, ms int, hz int) {
	r.mu.Lock()
	r.record("freqout", pin, ms, hz)
	r.mu.Unlock()
	if ms > 0 {
		r.clock.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

// DACStart implements hal.DAC.
func (r *Robot) DACStart(pin int, ch int, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("dac", pin, ch, value)
	r.dacPin = pin
}

// DACStop implements hal.DAC.
func (r *Robot) DACStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("dac-stop")
	r.dacPin = -1
}

// integrate advances the encoders to now. Callers hold mu.
func (r *Robot) integrate() {
	now := r.clock.Now()
	dt := now.Sub(r.lastDrive).Seconds()
	r.lastDrive = now
	r.left += float64(r.speedL) * dt
	r.right += float64(r.speedR) * dt
}

// DriveSpeed implements hal.Drive.
func (r *Robot) DriveSpeed(left, right int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrate()
	r.record("drive-speed", left, right)
	r.speedL, r.speedR = left, right
}

// DriveGoto implements hal.Drive. It stops any running speed command and
// blocks for as long as the larger move takes at GotoTicksPerSecond.
func (r *Robot) DriveGoto(left, right int) {
	r.mu.Lock()
	r.integrate()
	r.record("drive-goto", left, right)
	r.speedL, r.speedR = 0, 0
	r.left += float64(left)
	r.right += float64(right)
	r.mu.Unlock()

	ticks := max(abs(left), abs(right))
	r.clock.Sleep(time.Duration(ticks) * time.Second / GotoTicksPerSecond)

	r.mu.Lock()
	r.lastDrive = r.clock.Now()
	r.mu.Unlock()
}

// DriveTicks implements hal.Drive.
func (r *Robot) DriveTicks() (int32, int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrate()
	return int32(r.left), -int32(r.right)
}

// PingCM implements hal.Ranger.
func (r *Robot) PingCM(pin int) int {
	r.mu.Lock()
	r.record("ping", pin)
	cm := r.distance
	r.mu.Unlock()
	r.clock.Sleep(time.Duration(cm) * pingPerCM)
	return cm
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// State is a snapshot for the debug page.
type State struct {
	Inputs   map[int]hal.Level `json:"inputs"`
	Outputs  map[int]hal.Level `json:"outputs"`
	SpeedL   int               `json:"speed_left"`
	SpeedR   int               `json:"speed_right"`
	TicksL   int32             `json:"ticks_left"`
	TicksR   int32             `json:"ticks_right"`
	Distance int               `json:"distance_cm"`
	DACPin   int               `json:"dac_pin"`
}

// Snapshot returns the current simulated state.
func (r *Robot) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrate()
	s := State{
		Inputs:   make(map[int]hal.Level, len(r.inputs)),
		Outputs:  make(map[int]hal.Level, len(r.outputs)),
		SpeedL:   r.speedL,
		SpeedR:   r.speedR,
		TicksL:   int32(r.left),
		TicksR:   -int32(r.right),
		Distance: r.distance,
		DACPin:   r.dacPin,
	}
	for k, v := range r.inputs {
		s.Inputs[k] = v
	}
	for k, v := range r.outputs {
		s.Outputs[k] = v
	}
	return s
}

// AttachAdminRoutes registers /debug/sim (state as JSON) and
// /debug/sim-input (POST pin=N&level=0|1, or distance=N) so a developer
// can press buttons and whiskers on the simulated robot.
func (r *Robot) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("sim", "simulated robot state", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSONOK(w, r.Snapshot())
	})

	debug.HandleSilentFunc("sim-input", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if d := req.FormValue("distance"); d != "" {
			cm, err := strconv.Atoi(d)
			if err != nil || cm < 0 {
				httputil.BadRequest(w, "invalid distance")
				return
			}
			r.SetDistance(cm)
			fmt.Fprintf(w, "distance set to %d cm\n", cm)
			return
		}
		pin, err := strconv.Atoi(req.FormValue("pin"))
		if err != nil || pin < 0 || pin > 31 {
			httputil.BadRequest(w, "invalid pin")
			return
		}
		level, err := strconv.Atoi(req.FormValue("level"))
		if err != nil || (level != 0 && level != 1) {
			httputil.BadRequest(w, "invalid level")
			return
		}
		r.SetInput(pin, hal.Level(level))
		fmt.Fprintf(w, "pin %d set to %d\n", pin, level)
	})
}

var _ hal.Robot = (*Robot)(nil)
