package heartbeat

import (
	"fmt"
	"sync"

	"github.com/rye-db/rye/internal/walproto"
)

// ChangemodeState tracks an in-flight CHANGE_HA_MODE request against
// the local rye_server, per spec.md §4.4/§6.
type ChangemodeState int

const (
	ChangemodeIdle ChangemodeState = iota
	ChangemodeRequested
	ChangemodeAcked
	ChangemodeDenied
)

// ChangemodeController drives the two-phase deactivation/changemode
// handshake: request, wait for ack, and on denial retry up to a bound
// before surfacing the denial as an operator-visible event.
type ChangemodeController struct {
	mu    sync.Mutex
	state ChangemodeState
	tries int
}

// MaxChangemodeRetries bounds how many times an unacknowledged
// changemode request is retried before being logged as denied.
const MaxChangemodeRetries = 5

// NewChangemodeController constructs an idle controller.
func NewChangemodeController() *ChangemodeController {
	return &ChangemodeController{}
}

// Request marks a changemode attempt in flight.
func (c *ChangemodeController) Request() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChangemodeRequested
	c.tries++
}

// Ack records a successful acknowledgement, resetting retry state.
func (c *ChangemodeController) Ack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChangemodeAcked
	c.tries = 0
}

// Deny records a denial; returns an error once the attempt count has
// reached MaxChangemodeRetries so the caller can log the structured denial event spec.md
// §7 requires, rather than retrying forever.
func (c *ChangemodeController) Deny() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChangemodeDenied
	if c.tries >= MaxChangemodeRetries {
		return fmt.Errorf("changemode: denied after %d attempts", c.tries)
	}
	return nil
}

// State returns the controller's current state.
func (c *ChangemodeController) State() ChangemodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeactivationPhase is the two-phase deactivation protocol's current
// step: a node is first marked deregistered (stop routing new work to
// it) and only then, once every in-flight request has drained, fully
// deactivated.
type DeactivationPhase int

const (
	DeactivationNone DeactivationPhase = iota
	DeactivationDeregistered
	DeactivationComplete
)

// Deactivator runs the two-phase deactivation handshake for one
// child process connection.
type Deactivator struct {
	mu    sync.Mutex
	phase DeactivationPhase
}

// NewDeactivator constructs a Deactivator in phase None.
func NewDeactivator() *Deactivator { return &Deactivator{} }

// BeginDeregister transitions None -> Deregistered. Returns an error
// if called out of order.
func (d *Deactivator) BeginDeregister() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != DeactivationNone {
		return fmt.Errorf("deactivator: cannot deregister from phase %d", d.phase)
	}
	d.phase = DeactivationDeregistered
	return nil
}

// Complete transitions Deregistered -> Complete.
func (d *Deactivator) Complete() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != DeactivationDeregistered {
		return fmt.Errorf("deactivator: cannot complete from phase %d", d.phase)
	}
	d.phase = DeactivationComplete
	return nil
}

// Phase returns the current deactivation phase.
func (d *Deactivator) Phase() DeactivationPhase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// encodeDeactivateRequest/Ack are thin walproto wrappers kept here so
// callers needn't import walproto kinds directly for this narrow use.
func encodeDeactivateRequest(senderIP string) []byte {
	return walproto.Encode(walproto.HBDatagram{Kind: walproto.HBDeactivateRequest, SenderIP: senderIP})
}

func encodeDeactivateAck(senderIP string) []byte {
	return walproto.Encode(walproto.HBDatagram{Kind: walproto.HBDeactivateAck, SenderIP: senderIP})
}
