package connmgr

import (
	"net"

	"github.com/eipstack/adapter/pkg/cip"
	"github.com/eipstack/adapter/pkg/eip"
	"github.com/eipstack/adapter/pkg/objects/assembly"
	"github.com/eipstack/adapter/pkg/sockets"
)

// State is the connection object state.
type State int

const (
	StateNonExistent State = iota
	StateConfiguring
	StateWaitingForConnectionID
	StateEstablished
	StateTimedOut
	StateDeferredDelete
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNonExistent:
		return "non-existent"
	case StateConfiguring:
		return "configuring"
	case StateWaitingForConnectionID:
		return "waiting-for-connection-id"
	case StateEstablished:
		return "established"
	case StateTimedOut:
		return "timed-out"
	case StateDeferredDelete:
		return "deferred-delete"
	case StateClosing:
		return "closing"
	}
	return "invalid"
}

// InstanceType classifies a connection by its application role.
type InstanceType int

const (
	TypeExplicitMessaging InstanceType = iota
	TypeIOExclusiveOwner
	TypeIOInputOnly
	TypeIOListenOnly
	TypeIO
	TypeCIPBridged
)

func (t InstanceType) String() string {
	switch t {
	case TypeExplicitMessaging:
		return "explicit"
	case TypeIOExclusiveOwner:
		return "exclusive-owner"
	case TypeIOInputOnly:
		return "input-only"
	case TypeIOListenOnly:
		return "listen-only"
	case TypeIO:
		return "io"
	case TypeCIPBridged:
		return "bridged"
	}
	return "invalid"
}

// WatchdogAction selects the behavior on inactivity watchdog expiry.
type WatchdogAction int

const (
	WatchdogTransitionToTimedOut WatchdogAction = iota
	WatchdogAutoDelete
	WatchdogAutoReset
	WatchdogDeferredDelete
)

// Transport class trigger byte layout.
const (
	TriggerServerBit      byte = 0x80
	TriggerProductionMask byte = 0x70
	TriggerCyclic         byte = 0x00
	TriggerChangeOfState  byte = 0x10
	TriggerApplication    byte = 0x20
	TriggerClassMask      byte = 0x0F
)

// ConnType is the network connection type encoded in the connection
// parameters.
type ConnType int

const (
	ConnTypeNull ConnType = iota
	ConnTypeMulticast
	ConnTypePointToPoint
	ConnTypeReserved
)

// Priority is the network priority encoded in the connection parameters.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
	PriorityScheduled
	PriorityUrgent
)

// NetParams is the decoded form of the network connection parameters word.
type NetParams struct {
	ConnectionType ConnType
	Priority       Priority
	Variable       bool
	Size           uint16
	RedundantOwner bool
}

// ParseNetParams decodes 16-bit (standard) or 32-bit (large forward open)
// network connection parameters.
func ParseNetParams(raw uint32, large bool) NetParams {
	if large {
		return NetParams{
			ConnectionType: ConnType(raw >> 29 & 0x3),
			Priority:       Priority(raw >> 26 & 0x3),
			Variable:       raw>>25&0x1 != 0,
			Size:           uint16(raw & 0xFFFF),
			RedundantOwner: raw>>31&0x1 != 0,
		}
	}
	return NetParams{
		ConnectionType: ConnType(raw >> 13 & 0x3),
		Priority:       Priority(raw >> 10 & 0x3),
		Variable:       raw>>9&0x1 != 0,
		Size:           uint16(raw & 0x1FF),
		RedundantOwner: raw>>15&0x1 != 0,
	}
}

// Triad is the connection uniqueness key: connection serial number,
// originator vendor id and originator serial number.
type Triad struct {
	SerialNumber     uint16
	VendorID         uint16
	OriginatorSerial uint32
}

// handler carries the per-connection behaviors fixed at open time.
type handler interface {
	Close(c *Connection)
	Timeout(c *Connection)
	SendData(c *Connection) error
	ReceiveData(c *Connection, data []byte)
}

// Connection is the central connection object. All timer fields are signed
// milliseconds so negative values unambiguously signal expiry.
type Connection struct {
	State        State
	InstanceType InstanceType

	TransportTrigger byte
	Triad            Triad

	ConsumedConnectionID uint32 // O->T
	ProducedConnectionID uint32 // T->O

	OtoTRPI    uint32 // microseconds
	TtoORPI    uint32 // microseconds
	OtoTParams NetParams
	TtoOParams NetParams

	TimeoutMultiplier uint8
	WatchdogAction    WatchdogAction

	// ExpectedPacketRate is the production period in milliseconds, rounded
	// up to a multiple of the timer tick.
	ExpectedPacketRate int64

	TransmissionTriggerTimer int64
	InactivityWatchdogTimer  int64
	LastPackageWatchdogTimer int64
	ProductionInhibitTimer   int64
	// ProductionInhibitTime is the configured inhibit period, milliseconds.
	ProductionInhibitTime int64

	EIPSeqProducing uint32
	EIPSeqConsuming uint32
	SeqProducing    uint16
	SeqConsuming    uint16
	// eipConsumingSeen gates the strict sequence comparison so the very
	// first frame of a connection is never dropped.
	eipConsumingSeen bool

	ConsumingSocket sockets.Handle
	ProducingSocket sockets.Handle

	// OriginatorAddr validates ingress traffic; RemoteAddr addresses egress.
	OriginatorAddr *net.UDPAddr
	RemoteAddr     *net.UDPAddr

	Session eip.SessionHandle

	Path cip.ConnectionPath
	// ConnectionPoints holds the application points in path order (O->T
	// then T->O when both directions are present; a single-direction or
	// class-3 connection keeps its only point at index 0) and the config
	// point at index 2.
	ConnectionPoints [3]uint32

	ConsumingInstance *assembly.Instance
	ProducingInstance *assembly.Instance

	// RunIdleHeader reports whether consumed data carries the 4-byte
	// run/idle header, derived from the O->T connection size.
	RunIdleHeader bool
	runIdleState  uint32

	handler handler
}

// IsServer reports the transport direction bit.
func (c *Connection) IsServer() bool {
	return c.TransportTrigger&TriggerServerBit != 0
}

// TransportClass returns the transport class bits (0-3).
func (c *Connection) TransportClass() byte {
	return c.TransportTrigger & TriggerClassMask
}

// ProductionTrigger returns the production trigger bits.
func (c *Connection) ProductionTrigger() byte {
	return c.TransportTrigger & TriggerProductionMask
}

// IsCyclic reports a cyclic production trigger.
func (c *Connection) IsCyclic() bool {
	return c.ProductionTrigger() == TriggerCyclic
}

// IsConsuming reports whether the connection has a consuming side.
func (c *Connection) IsConsuming() bool {
	return c.ConsumingInstance != nil || c.OtoTParams.ConnectionType != ConnTypeNull
}

// roundUpToTick rounds a millisecond period up to a multiple of the timer
// tick.
func roundUpToTick(ms int64, tickMs int64) int64 {
	if rem := ms % tickMs; rem != 0 {
		return ms - rem + tickMs
	}
	return ms
}

// SetExpectedPacketRate derives the production period from the RPI of the
// producing direction: T->O for a client connection, O->T for a server.
func (c *Connection) SetExpectedPacketRate(tickMs int64) {
	rpi := c.TtoORPI
	if c.IsServer() {
		rpi = c.OtoTRPI
	}
	c.ExpectedPacketRate = roundUpToTick(int64(rpi)/1000, tickMs)
}

// watchdogValue computes the regular inactivity watchdog reload:
// (o_to_t_rpi_ms) << (2 + timeout multiplier).
func (c *Connection) watchdogValue() int64 {
	return (int64(c.OtoTRPI) / 1000) << (2 + c.TimeoutMultiplier)
}

// ArmInactivityWatchdog sets the initial watchdog: the regular value floored
// at ten seconds so slow scanners survive establishment.
func (c *Connection) ArmInactivityWatchdog() {
	const minimumInitialTimeoutMs = 10000
	v := c.watchdogValue()
	if v < minimumInitialTimeoutMs {
		v = minimumInitialTimeoutMs
	}
	c.InactivityWatchdogTimer = v
}

// ResetInactivityWatchdog reloads the watchdog after accepted consumption.
func (c *Connection) ResetInactivityWatchdog() {
	c.InactivityWatchdogTimer = c.watchdogValue()
}

// seqGT32 compares 32-bit EIP sequence numbers under wrap.
func seqGT32(a, b uint32) bool { return int32(a-b) > 0 }

// seqLEQ16 compares 16-bit class-1 sequence numbers under wrap.
func seqLEQ16(a, b uint16) bool { return int16(a-b) <= 0 }

// clear returns the connection to its zero state, keeping nothing.
func (c *Connection) clear() {
	*c = Connection{
		ConsumingSocket: sockets.InvalidHandle,
		ProducingSocket: sockets.InvalidHandle,
	}
}
