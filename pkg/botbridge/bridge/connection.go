package bridge

import (
	"sync"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateUnattached State = "unattached"
	StateStarting   State = "starting"
	StateOnline     State = "online"
	StateOffline    State = "offline"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// LoginState is the coarse login state derived from State.
type LoginState string

const (
	LoginOffline  LoginState = "offline"
	LoginStarting LoginState = "starting"
	LoginOnline   LoginState = "online"
)

// Connection is the live handle for one account identity: the puppet plus
// the state shared by the command worker and the event loop.
type Connection struct {
	identity string

	mu         sync.RWMutex
	puppet     puppet.Puppet
	state      State
	self       *puppet.Contact
	scanCode   string
	scanStatus puppet.ScanStatus
}

// NewConnection returns an unattached connection. p may be nil until the
// puppet is constructed.
func NewConnection(identity string, p puppet.Puppet) *Connection {
	return &Connection{identity: identity, puppet: p, state: StateUnattached}
}

func (c *Connection) Identity() string { return c.identity }

// Puppet returns the backend adapter, or nil before the first start.
func (c *Connection) Puppet() puppet.Puppet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.puppet
}

func (c *Connection) setPuppet(p puppet.Puppet) {
	c.mu.Lock()
	c.puppet = p
	c.mu.Unlock()
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LoginState maps the lifecycle state onto offline, starting or online.
func (c *Connection) LoginState() LoginState {
	switch c.State() {
	case StateOnline:
		return LoginOnline
	case StateStarting:
		return LoginStarting
	default:
		return LoginOffline
	}
}

// Self returns the last known profile of the account. It is nil unless the
// connection is online.
func (c *Connection) Self() *puppet.Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateOnline || c.self == nil {
		return nil
	}
	self := *c.self
	return &self
}

// ScanCode returns the last login code and its status. The code is
// cleared on login.
func (c *Connection) ScanCode() (string, puppet.ScanStatus) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanCode, c.scanStatus
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s != StateOnline {
		c.self = nil
	}
	c.mu.Unlock()
}

// shuttingDown reports whether teardown has begun.
func (c *Connection) shuttingDown() bool {
	s := c.State()
	return s == StateStopping || s == StateStopped
}

func (c *Connection) loggedIn(user puppet.Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopping || c.state == StateStopped {
		return
	}
	c.state = StateOnline
	c.self = &user
	c.scanCode = ""
	c.scanStatus = ""
}

func (c *Connection) loggedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOnline || c.state == StateStarting {
		c.state = StateOffline
	}
	c.self = nil
}

func (c *Connection) setScan(code string, status puppet.ScanStatus) {
	c.mu.Lock()
	c.scanCode = code
	c.scanStatus = status
	c.mu.Unlock()
}

// refresh reconciles State with the puppet's live login flag and returns
// whether the account is online. Starting is kept until the account logs
// in or the start fails; stopping states are never overridden.
func (c *Connection) refresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	online := c.puppet != nil && c.puppet.IsLoggedIn()
	switch c.state {
	case StateStopping, StateStopped, StateUnattached:
	default:
		if online {
			c.state = StateOnline
			if c.self == nil {
				c.self = c.puppet.Self()
			}
		} else if c.state == StateOnline {
			c.state = StateOffline
			c.self = nil
		}
	}
	return online
}

// Status is the two-state operator indicator for one identity.
type Status struct {
	Identity string `json:"identity"`
	State    string `json:"state"` // "online" or "offline"
	Fill     string `json:"fill"`
	Shape    string `json:"shape"`
	Text     string `json:"text"`
}

func statusFor(identity string, online bool) Status {
	if online {
		return Status{Identity: identity, State: "online", Fill: "green", Shape: "dot", Text: "online"}
	}
	return Status{Identity: identity, State: "offline", Fill: "red", Shape: "ring", Text: "offline"}
}

// Status computes the indicator from the live login flag.
func (c *Connection) Status() Status {
	p := c.Puppet()
	return statusFor(c.identity, p != nil && p.IsLoggedIn())
}
