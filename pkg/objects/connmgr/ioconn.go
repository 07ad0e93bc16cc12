package connmgr

import (
	"bytes"
	"encoding/binary"
	"net"

	"go.uber.org/zap"

	"github.com/eipstack/adapter/pkg/eip"
	"github.com/eipstack/adapter/pkg/objects/assembly"
	"github.com/eipstack/adapter/pkg/sockets"
)

// ioHandler carries the I/O connection behaviors; a fresh instance is bound
// to each I/O connection at open time.
type ioHandler struct {
	m *Manager
}

// establishIO opens an I/O connection to the assembly object.
func (m *Manager) establishIO(request *Connection) error {
	if !request.IsCyclic() {
		if !request.Path.HasPIT {
			// no PIT segment: default to one fourth of the production RPI
			request.ProductionInhibitTime = int64(request.TtoORPI) / 4000
		} else {
			request.ProductionInhibitTime = int64(request.Path.ProductionInhibitUs) / 1000
			if request.ProductionInhibitTime > int64(request.TtoORPI)/1000 {
				return connFailure(ExtStatusPITGreaterThanRPI)
			}
		}
	}

	slot, err := m.ioConnectionForRequest(request)
	if err != nil {
		return err
	}

	// the slot takes over the request data; the slot pointer is the
	// connection's identity from here on
	*slot = *request
	c := slot
	c.handler = &ioHandler{m: m}

	m.generalConfiguration(c)
	c.WatchdogAction = WatchdogTransitionToTimedOut

	o2t := c.OtoTParams.ConnectionType
	t2o := c.TtoOParams.ConnectionType
	if o2t == ConnTypeNull && t2o == ConnTypeNull {
		// a config-only connection carries no data paths
		c.clear()
		return connFailure(ExtStatusInvalidConnectionPoint)
	}

	producingIndex := 0
	if o2t != ConnTypeNull && t2o != ConnTypeNull {
		producingIndex = 1
	}

	if o2t != ConnTypeNull {
		inst := m.asm.Instance(c.ConnectionPoints[0])
		if inst == nil {
			c.clear()
			return connFailure(ExtStatusInvalidConnectionPoint)
		}
		if err := m.checkConsumedSize(c, inst); err != nil {
			c.clear()
			return err
		}
		c.ConsumingInstance = inst
	}

	if t2o != ConnTypeNull {
		inst := m.asm.Instance(c.ConnectionPoints[producingIndex])
		if inst == nil {
			c.clear()
			return connFailure(ExtStatusInvalidConnectionPoint)
		}
		if err := checkProducedSize(c, inst); err != nil {
			c.clear()
			return err
		}
		c.ProducingInstance = inst
	}

	if len(c.Path.ConfigData) > 0 {
		if err := m.applyConfigData(c); err != nil {
			c.clear()
			return err
		}
	}

	if err := m.openCommunicationChannels(c); err != nil {
		m.socks.CloseSocket(c.ConsumingSocket)
		m.socks.CloseSocket(c.ProducingSocket)
		c.clear()
		return err
	}

	m.addActive(c)
	m.app.IoConnectionEvent(c.ConnectionPoints[0], c.ConnectionPoints[1], assembly.EventOpened)
	return nil
}

// checkConsumedSize validates the O->T connection size against the output
// assembly, deriving whether the 4-byte run/idle header is present.
func (m *Manager) checkConsumedSize(c *Connection, inst *assembly.Instance) error {
	base := len(inst.Data.Data)
	if c.TransportClass() == 1 {
		base += 2 // 16-bit sequence count
	}
	switch int(c.OtoTParams.Size) {
	case base:
		c.RunIdleHeader = false
	case base + 4:
		c.RunIdleHeader = true
	default:
		return connFailure(ExtStatusInvalidConnectionSize)
	}
	return nil
}

// checkProducedSize validates the T->O connection size against the input
// assembly.
func checkProducedSize(c *Connection, inst *assembly.Instance) error {
	expected := len(inst.Data.Data)
	if c.TransportClass() == 1 {
		expected += 2
	}
	if int(c.TtoOParams.Size) != expected {
		return connFailure(ExtStatusInvalidConnectionSize)
	}
	return nil
}

// applyConfigData forwards the data-segment blob to the config assembly. A
// connected sibling with the same config point forces byte equality.
func (m *Manager) applyConfigData(c *Connection) error {
	inst := m.asm.Instance(c.ConnectionPoints[2])
	if inst == nil {
		return connFailure(ExtStatusInvalidConnectionPoint)
	}
	if m.connectionWithSameConfigPoint(c.ConnectionPoints[2]) {
		if !bytes.Equal(inst.Data.Data, c.Path.ConfigData) {
			return connFailure(ExtStatusOwnershipConflict)
		}
		return nil
	}
	if err := m.asm.WriteConsumed(inst, c.Path.ConfigData); err != nil {
		m.logger.Warn("configuration data rejected", zap.Error(err))
		return connFailure(ExtStatusInvalidConfigFormat)
	}
	return nil
}

// openCommunicationChannels opens the UDP endpoints demanded by the O->T and
// T->O connection types.
func (m *Manager) openCommunicationChannels(c *Connection) error {
	switch c.OtoTParams.ConnectionType {
	case ConnTypeMulticast:
		if err := m.openMulticastConsuming(c); err != nil {
			return err
		}
	case ConnTypePointToPoint:
		if err := m.openConsumingPointToPoint(c); err != nil {
			return err
		}
	}

	switch c.TtoOParams.ConnectionType {
	case ConnTypeMulticast:
		if err := m.openProducingMulticast(c); err != nil {
			return err
		}
	case ConnTypePointToPoint:
		if err := m.openProducingPointToPoint(c); err != nil {
			return err
		}
	}
	return nil
}

func qosFromPriority(p Priority) sockets.QoS {
	switch p {
	case PriorityUrgent:
		return 55
	case PriorityScheduled:
		return 47
	case PriorityHigh:
		return 43
	default:
		return 31
	}
}

// openConsumingPointToPoint binds the consuming endpoint to the I/O port and
// reports it in an O->T sockaddr item.
func (m *Manager) openConsumingPointToPoint(c *Connection) error {
	bind := &net.UDPAddr{IP: net.IPv4zero, Port: int(m.ioPort)}
	h, err := m.socks.CreateUDPSocket(sockets.Consuming, bind, 0)
	if err != nil {
		m.logger.Error("cannot create consuming UDP socket", zap.Error(err))
		return connFailure(ExtStatusInvalidSegmentInPath)
	}
	c.ConsumingSocket = h

	m.respItems = append(m.respItems, eip.NewSockAddrItem(eip.ItemIDSockaddrInfoOtoT,
		eip.SockAddr{Family: 2, Port: m.ioPort}))
	return nil
}

// openProducingPointToPoint addresses the originator directly; the port is
// taken from a request T->O sockaddr item when present.
func (m *Manager) openProducingPointToPoint(c *Connection) error {
	port := m.ioPort
	for i := range m.reqSockaddr {
		if m.reqSockaddr[i].TypeID == eip.ItemIDSockaddrInfoTtoO {
			if sa, err := eip.DecodeSockAddr(m.reqSockaddr[i].Data); err == nil {
				port = sa.Port
			}
		}
	}

	remote := &net.UDPAddr{IP: c.OriginatorAddr.IP, Port: int(port)}
	h, err := m.socks.CreateUDPSocket(sockets.Producing, remote, qosFromPriority(c.TtoOParams.Priority))
	if err != nil {
		m.logger.Error("cannot create producing UDP socket", zap.Error(err))
		return connFailure(ExtStatusInvalidSegmentInPath)
	}
	c.ProducingSocket = h
	c.RemoteAddr = remote
	return nil
}

// openMulticastConsuming joins the device multicast group for consumption.
func (m *Manager) openMulticastConsuming(c *Connection) error {
	group := &net.UDPAddr{IP: m.multicast, Port: int(m.ioPort)}
	h, err := m.socks.CreateUDPSocket(sockets.Consuming, group, 0)
	if err != nil {
		m.logger.Error("cannot join multicast group", zap.Error(err))
		return connFailure(ExtStatusInvalidSegmentInPath)
	}
	c.ConsumingSocket = h

	m.respItems = append(m.respItems, eip.NewSockAddrItem(eip.ItemIDSockaddrInfoOtoT,
		eip.SockAddrFromUDP(group)))
	return nil
}

// openProducingMulticast drives the shared multicast producing socket. The
// first producer for an input assembly owns the socket; later connections
// share the produced connection id and hold an invalid producing socket,
// except an exclusive owner which takes the socket over.
func (m *Manager) openProducingMulticast(c *Connection) error {
	group := &net.UDPAddr{IP: m.multicast, Port: int(m.ioPort)}

	existing := m.producingMulticastOwner(c.ConnectionPoints[1])
	if existing == nil {
		h, err := m.socks.CreateUDPSocket(sockets.Producing, group, qosFromPriority(c.TtoOParams.Priority))
		if err != nil {
			m.logger.Error("cannot create multicast producing socket", zap.Error(err))
			return connFailure(ExtStatusInvalidSegmentInPath)
		}
		c.ProducingSocket = h
		c.RemoteAddr = group
	} else {
		// the group is driven already; inform the originator of the
		// existing connection id
		c.ProducedConnectionID = existing.ProducedConnectionID
		c.RemoteAddr = group
		if c.InstanceType == TypeIOExclusiveOwner {
			// exclusive owners take the socket and manage the connection
			c.ProducingSocket = existing.ProducingSocket
			c.TransmissionTriggerTimer = existing.TransmissionTriggerTimer
			existing.ProducingSocket = sockets.InvalidHandle
		} else {
			c.ProducingSocket = sockets.InvalidHandle
		}
	}

	m.respItems = append(m.respItems, eip.NewSockAddrItem(eip.ItemIDSockaddrInfoTtoO,
		eip.SockAddrFromUDP(group)))
	return nil
}

// transferProducingSocket hands the multicast producing socket and its
// transmission state to the next non-controlling master; with no sibling all
// listen-only connections on the group are closed.
func (m *Manager) transferProducingSocket(c *Connection) {
	if c.TtoOParams.ConnectionType != ConnTypeMulticast ||
		c.ProducingSocket == sockets.InvalidHandle {
		return
	}
	if next := m.nextNonControllingMaster(c.ConnectionPoints[1]); next != nil {
		next.ProducingSocket = c.ProducingSocket
		next.TransmissionTriggerTimer = c.TransmissionTriggerTimer
		c.ProducingSocket = sockets.InvalidHandle
		m.logger.Debug("multicast production handed over",
			zap.Uint32("input_assembly", c.ConnectionPoints[1]))
		return
	}
	m.closeAllForInputWithType(c.ConnectionPoints[1], TypeIOListenOnly)
}

// Close implements the I/O connection close behavior: multicast ownership
// transfer, application notification and resource release.
func (h *ioHandler) Close(c *Connection) {
	m := h.m
	m.app.IoConnectionEvent(c.ConnectionPoints[0], c.ConnectionPoints[1], assembly.EventClosed)
	if c.InstanceType == TypeIOExclusiveOwner || c.InstanceType == TypeIOInputOnly {
		m.transferProducingSocket(c)
	}
	m.closeConnection(c)
}

// Timeout implements the inactivity watchdog expiry for I/O connections.
func (h *ioHandler) Timeout(c *Connection) {
	m := h.m
	m.metrics.WatchdogTimeouts.Inc()
	m.app.IoConnectionEvent(c.ConnectionPoints[0], c.ConnectionPoints[1], assembly.EventTimedOut)
	m.logger.Warn("connection timed out",
		zap.String("type", c.InstanceType.String()),
		zap.Uint32("consumed_id", c.ConsumedConnectionID))

	if c.TtoOParams.ConnectionType == ConnTypeMulticast {
		switch c.InstanceType {
		case TypeIOExclusiveOwner:
			m.closeAllForInputWithType(c.ConnectionPoints[1], TypeIOInputOnly)
			m.closeAllForInputWithType(c.ConnectionPoints[1], TypeIOListenOnly)
		case TypeIOInputOnly:
			m.transferProducingSocket(c)
		}
	}

	switch c.WatchdogAction {
	case WatchdogTransitionToTimedOut, WatchdogAutoReset:
		// the connection stays in the active list so the originator can
		// observe the timeout; it stops producing and consuming. The
		// last-package watchdog bounds how long the slot stays occupied.
		c.State = StateTimedOut
		c.LastPackageWatchdogTimer = c.watchdogValue()
	default:
		h.Close(c)
	}
}

// SendData produces one frame on the connection's producing socket.
func (h *ioHandler) SendData(c *Connection) error {
	m := h.m
	data, changed := m.asm.ProducedData(c.ProducingInstance)
	if changed {
		c.SeqProducing++
	}
	c.EIPSeqProducing++

	var addrItem eip.CPFItem
	if c.TransportClass() != 0 {
		addrItem = eip.NewSequencedAddressItem(c.ProducedConnectionID, c.EIPSeqProducing)
	} else {
		addrItem = eip.NewConnectedAddressItem(c.ProducedConnectionID)
	}

	payload := data
	if c.TransportClass() == 1 {
		payload = make([]byte, 2+len(data))
		binary.LittleEndian.PutUint16(payload[0:2], c.SeqProducing)
		copy(payload[2:], data)
	}

	cpf := eip.NewCommonPacketFormat(addrItem, eip.NewCPFItem(eip.ItemIDConnectedData, payload))
	frame, err := cpf.Encode()
	if err != nil {
		return err
	}
	m.metrics.ProducedFrames.Inc()
	return m.socks.SendUDPData(c.RemoteAddr, c.ProducingSocket, frame)
}

// ReceiveData handles an accepted connected data payload.
func (h *ioHandler) ReceiveData(c *Connection, data []byte) {
	m := h.m

	if c.TransportClass() == 1 {
		if len(data) < 2 {
			m.metrics.DroppedFrames.WithLabelValues("short").Inc()
			return
		}
		seq := binary.LittleEndian.Uint16(data[0:2])
		if seqLEQ16(seq, c.SeqConsuming) {
			// stale application data; the packet still counts as
			// keep-alive for the watchdog
			return
		}
		c.SeqConsuming = seq
		data = data[2:]
	}

	if len(data) == 0 {
		return // heartbeat
	}

	if c.RunIdleHeader {
		if len(data) < 4 {
			m.metrics.DroppedFrames.WithLabelValues("short").Inc()
			return
		}
		runIdle := binary.LittleEndian.Uint32(data[0:4])
		if runIdle != c.runIdleState {
			c.runIdleState = runIdle
			m.app.RunIdleChanged(runIdle)
		}
		data = data[4:]
	}

	if c.ConsumingInstance == nil || len(data) == 0 {
		return
	}
	if err := m.asm.WriteConsumed(c.ConsumingInstance, data); err != nil {
		// rejected semantically; no wire error, the connection stays
		// healthy to preserve timing
		return
	}
	m.metrics.ConsumedFrames.Inc()
}

// HandleReceivedConnectedData is the ingress path for class-0/1 UDP frames.
func (m *Manager) HandleReceivedConnectedData(data []byte, origin *net.UDPAddr) {
	cpf, err := eip.DecodeCommonPacketFormat(data)
	if err != nil || len(cpf.Items) < 2 {
		m.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		return
	}
	addrItem, dataItem := &cpf.Items[0], &cpf.Items[1]
	if addrItem.TypeID != eip.ItemIDConnectedAddress && addrItem.TypeID != eip.ItemIDSequencedAddress {
		m.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		return
	}
	if dataItem.TypeID != eip.ItemIDConnectedData {
		m.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		return
	}
	connID, err := addrItem.ConnectionID()
	if err != nil {
		m.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		return
	}

	c := m.consumerForID(connID)
	if c == nil {
		m.metrics.DroppedFrames.WithLabelValues("unknown_connection").Inc()
		return
	}

	// ingress filter: only the originator may feed the connection
	if c.OriginatorAddr == nil || !c.OriginatorAddr.IP.Equal(origin.IP) {
		m.logger.Warn("connected data from wrong address",
			zap.Stringer("origin", origin), zap.Uint32("connection", connID))
		m.metrics.DroppedFrames.WithLabelValues("wrong_origin").Inc()
		return
	}

	if addrItem.TypeID == eip.ItemIDSequencedAddress {
		seq, err := addrItem.SequenceNumber()
		if err != nil {
			m.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
			return
		}
		if c.eipConsumingSeen && !seqGT32(seq, c.EIPSeqConsuming) {
			m.metrics.DroppedFrames.WithLabelValues("stale_sequence").Inc()
			return
		}
		c.EIPSeqConsuming = seq
		c.eipConsumingSeen = true
	}

	if c.State == StateTimedOut && c.WatchdogAction == WatchdogAutoReset {
		c.State = StateEstablished
		m.logger.Info("connection auto-reset", zap.Uint32("connection", connID))
	}
	if c.State != StateEstablished {
		return
	}

	c.ResetInactivityWatchdog()
	c.handler.ReceiveData(c, dataItem.Data)
}

// consumerForID finds the consuming-side connection for an ingress frame;
// timed-out connections are included so auto-reset can revive them.
func (m *Manager) consumerForID(id uint32) *Connection {
	for _, c := range m.active {
		if (c.State == StateEstablished || c.State == StateTimedOut) &&
			c.ConsumedConnectionID == id && c.TransportClass() != 3 {
			return c
		}
	}
	return nil
}

// TriggerConnections forces an application-triggered connection for the
// assembly pair to produce at its next permitted occurrence.
func (m *Manager) TriggerConnections(outputAssembly, inputAssembly uint32) bool {
	for _, c := range m.active {
		if c.ConnectionPoints[0] == outputAssembly && c.ConnectionPoints[1] == inputAssembly {
			if c.ProductionTrigger() == TriggerApplication {
				c.TransmissionTriggerTimer = c.ProductionInhibitTimer
				return true
			}
			return false
		}
	}
	return false
}
