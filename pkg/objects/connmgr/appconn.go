package connmgr

import (
	"github.com/eipstack/adapter/pkg/objects/assembly"
	"github.com/eipstack/adapter/pkg/sockets"
)

// Fan-out width for input-only and listen-only slots: siblings sharing the
// same multicast group.
const connsPerFanoutSlot = 3

// PoolEntry pre-binds an application connection slot to its assembly triple.
type PoolEntry struct {
	OutputAssembly uint32
	InputAssembly  uint32
	ConfigAssembly uint32
}

type exclusiveOwnerSlot struct {
	PoolEntry
	conn Connection
}

type fanoutSlot struct {
	PoolEntry
	conns [connsPerFanoutSlot]Connection
}

type appPools struct {
	exclusiveOwner []*exclusiveOwnerSlot
	inputOnly      []*fanoutSlot
	listenOnly     []*fanoutSlot
}

func newAppPools(exclusiveOwner, inputOnly, listenOnly []PoolEntry) *appPools {
	p := &appPools{}
	for _, e := range exclusiveOwner {
		slot := &exclusiveOwnerSlot{PoolEntry: e}
		slot.conn.clear()
		p.exclusiveOwner = append(p.exclusiveOwner, slot)
	}
	for _, e := range inputOnly {
		slot := &fanoutSlot{PoolEntry: e}
		for i := range slot.conns {
			slot.conns[i].clear()
		}
		p.inputOnly = append(p.inputOnly, slot)
	}
	for _, e := range listenOnly {
		slot := &fanoutSlot{PoolEntry: e}
		for i := range slot.conns {
			slot.conns[i].clear()
		}
		p.listenOnly = append(p.listenOnly, slot)
	}
	return p
}

// ioConnectionForRequest selects the application slot matching the request's
// connection points. Exclusive-owner slots are tried first, then input-only,
// then listen-only, mirroring the ownership rules.
func (m *Manager) ioConnectionForRequest(request *Connection) (*Connection, error) {
	conn, err := m.pools.exclusiveOwnerConnection(request)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		request.InstanceType = TypeIOExclusiveOwner
		return conn, nil
	}

	conn, err = m.pools.inputOnlyConnection(request)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		request.InstanceType = TypeIOInputOnly
		return conn, nil
	}

	conn, err = m.listenOnlyConnection(request)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		request.InstanceType = TypeIOListenOnly
		return conn, nil
	}

	return nil, connFailure(ExtStatusInvalidConnectionPoint)
}

func (p *appPools) exclusiveOwnerConnection(request *Connection) (*Connection, error) {
	for _, slot := range p.exclusiveOwner {
		if slot.OutputAssembly != request.ConnectionPoints[0] {
			continue
		}
		if slot.InputAssembly != request.ConnectionPoints[1] ||
			slot.ConfigAssembly != request.ConnectionPoints[2] {
			return nil, connFailure(ExtStatusInvalidConnectionPoint)
		}
		if slot.conn.State != StateNonExistent {
			return nil, connFailure(ExtStatusOwnershipConflict)
		}
		return &slot.conn, nil
	}
	return nil, nil
}

func (p *appPools) inputOnlyConnection(request *Connection) (*Connection, error) {
	for _, slot := range p.inputOnly {
		if slot.OutputAssembly != request.ConnectionPoints[0] {
			continue
		}
		if slot.InputAssembly != request.ConnectionPoints[1] ||
			slot.ConfigAssembly != request.ConnectionPoints[2] {
			return nil, connFailure(ExtStatusInvalidConnectionPoint)
		}
		for i := range slot.conns {
			if slot.conns[i].State == StateNonExistent {
				return &slot.conns[i], nil
			}
		}
		return nil, connFailure(ExtStatusTargetOutOfConnections)
	}
	return nil, nil
}

func (m *Manager) listenOnlyConnection(request *Connection) (*Connection, error) {
	if request.TtoOParams.ConnectionType != ConnTypeMulticast {
		// a listen-only connection has to be multicast
		return nil, connFailure(ExtStatusNonListenOnlyNotOpened)
	}
	for _, slot := range m.pools.listenOnly {
		if slot.OutputAssembly != request.ConnectionPoints[0] {
			continue
		}
		if slot.InputAssembly != request.ConnectionPoints[1] ||
			slot.ConfigAssembly != request.ConnectionPoints[2] {
			return nil, connFailure(ExtStatusInvalidConnectionPoint)
		}
		if m.producingMulticastOwner(request.ConnectionPoints[1]) == nil {
			// nobody drives the group yet, a listener alone is refused
			return nil, connFailure(ExtStatusNonListenOnlyNotOpened)
		}
		for i := range slot.conns {
			if slot.conns[i].State == StateNonExistent {
				return &slot.conns[i], nil
			}
		}
		return nil, connFailure(ExtStatusTargetOutOfConnections)
	}
	return nil, nil
}

// producingMulticastOwner finds the established connection that drives the
// multicast producing socket for the input assembly, if any.
func (m *Manager) producingMulticastOwner(inputPoint uint32) *Connection {
	for _, c := range m.active {
		if c.InstanceType != TypeIOExclusiveOwner && c.InstanceType != TypeIOInputOnly {
			continue
		}
		if c.ConnectionPoints[1] == inputPoint &&
			c.TtoOParams.ConnectionType == ConnTypeMulticast &&
			c.ProducingSocket != sockets.InvalidHandle {
			return c
		}
	}
	return nil
}

// nextNonControllingMaster finds an established multicast sibling for the
// input assembly that does not currently drive the producing socket.
func (m *Manager) nextNonControllingMaster(inputPoint uint32) *Connection {
	for _, c := range m.active {
		if c.InstanceType != TypeIOExclusiveOwner && c.InstanceType != TypeIOInputOnly {
			continue
		}
		if c.ConnectionPoints[1] == inputPoint &&
			c.TtoOParams.ConnectionType == ConnTypeMulticast &&
			c.ProducingSocket == sockets.InvalidHandle {
			return c
		}
	}
	return nil
}

// closeAllForInputWithType closes every active connection of the given
// instance type consuming the same input assembly.
func (m *Manager) closeAllForInputWithType(inputPoint uint32, t InstanceType) {
	for _, c := range m.snapshotActive() {
		if c.InstanceType == t && c.ConnectionPoints[1] == inputPoint {
			m.app.IoConnectionEvent(c.ConnectionPoints[0], c.ConnectionPoints[1], assembly.EventClosed)
			m.closeConnection(c)
		}
	}
}

// connectionWithSameConfigPoint reports whether any active connection uses
// the config assembly.
func (m *Manager) connectionWithSameConfigPoint(configPoint uint32) bool {
	for _, c := range m.active {
		if c.ConnectionPoints[2] == configPoint {
			return true
		}
	}
	return false
}
