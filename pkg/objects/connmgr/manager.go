package connmgr

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"net"

	"go.uber.org/zap"

	"github.com/eipstack/adapter/internal/metrics"
	"github.com/eipstack/adapter/pkg/cip"
	"github.com/eipstack/adapter/pkg/eip"
	"github.com/eipstack/adapter/pkg/objects/assembly"
	"github.com/eipstack/adapter/pkg/objects/identity"
	"github.com/eipstack/adapter/pkg/sockets"
)

// Connection Manager service codes.
const (
	ServiceForwardClose       cip.USINT = 0x4E
	ServiceUnconnectedSend    cip.USINT = 0x52
	ServiceForwardOpen        cip.USINT = 0x54
	ServiceGetConnectionOwner cip.USINT = 0x5A
	ServiceLargeForwardOpen   cip.USINT = 0x5B
)

// Extended status codes for connection failures (general status 0x01).
const (
	ExtStatusConnectionInUse         cip.UINT = 0x0100
	ExtStatusTransportTriggerNotSupp cip.UINT = 0x0103
	ExtStatusOwnershipConflict       cip.UINT = 0x0106
	ExtStatusConnectionNotFound      cip.UINT = 0x0107
	ExtStatusInvalidConnectionType   cip.UINT = 0x0108
	ExtStatusInvalidConnectionSize   cip.UINT = 0x0109
	ExtStatusPITGreaterThanRPI       cip.UINT = 0x0111
	ExtStatusNoMoreConnections       cip.UINT = 0x0113
	ExtStatusInvalidConnectionPoint  cip.UINT = 0x0117
	ExtStatusInvalidConfigFormat     cip.UINT = 0x0118
	ExtStatusNonListenOnlyNotOpened  cip.UINT = 0x0119
	ExtStatusTargetOutOfConnections  cip.UINT = 0x011A
	ExtStatusInvalidSegmentInPath    cip.UINT = 0x0315
)

func connFailure(extStatus cip.UINT) error {
	return cip.ConnErr(extStatus)
}

// forwardOpenHeaderLength is the command-specific data length up to and
// including the connection path size byte, standard encoding.
const forwardOpenHeaderLength = 36

// class3PoolSize bounds concurrent explicit messaging connections.
const class3PoolSize = 8

type openFunc func(request *Connection) error

// Options carries the startup wiring of the connection manager.
type Options struct {
	Registry  *cip.Registry
	Router    *cip.MessageRouter
	Assembly  *assembly.Object
	Identity  *identity.Identity
	Sockets   sockets.Service
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	TickMs    int64
	UniqueID  uint16
	Multicast net.IP
	LocalIP   net.IP
	IOPort    uint16

	ExclusiveOwner []PoolEntry
	InputOnly      []PoolEntry
	ListenOnly     []PoolEntry
}

// Manager implements the CIP Connection Manager Object (class 0x06): the
// forward-open/close services, the active connection list and the tick-driven
// timeout and production engine.
type Manager struct {
	logger  *zap.Logger
	router  *cip.MessageRouter
	asm     *assembly.Object
	app     assembly.Application
	ident   *identity.Identity
	socks   sockets.Service
	metrics *metrics.Metrics

	tickMs    int64
	multicast net.IP
	localIP   net.IP
	ioPort    uint16

	incarnationID uint32
	connCounter   uint32

	active     []*Connection
	pools      *appPools
	class3Pool [class3PoolSize]Connection

	connectables map[cip.UDINT]openFunc

	// per-request explicit context, valid for one dispatch
	reqOrigin   *net.UDPAddr
	reqSession  eip.SessionHandle
	reqSockaddr []eip.CPFItem
	respItems   []eip.CPFItem
}

// New creates the connection manager and registers its class.
func New(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:        logger,
		router:        opts.Router,
		asm:           opts.Assembly,
		app:           opts.Assembly.Application(),
		ident:         opts.Identity,
		socks:         opts.Sockets,
		metrics:       opts.Metrics,
		tickMs:        opts.TickMs,
		multicast:     opts.Multicast,
		localIP:       opts.LocalIP,
		ioPort:        opts.IOPort,
		incarnationID: uint32(opts.UniqueID) << 16,
		connCounter:   rand.Uint32() & 0xFFFF,
		pools:         newAppPools(opts.ExclusiveOwner, opts.InputOnly, opts.ListenOnly),
		connectables:  make(map[cip.UDINT]openFunc),
	}
	for i := range m.class3Pool {
		m.class3Pool[i].clear()
	}

	m.connectables[cip.ClassMessageRouter] = m.establishClass3
	m.connectables[cip.ClassAssembly] = m.establishIO

	c := cip.NewClass(cip.ClassConnectionMgr, "connection manager", 1, 0, 0, 0)
	c.AddInstance(1)
	c.InsertService(ServiceForwardOpen, m.forwardOpenService(false), "ForwardOpen")
	c.InsertService(ServiceLargeForwardOpen, m.forwardOpenService(true), "LargeForwardOpen")
	c.InsertService(ServiceForwardClose, m.forwardCloseService, "ForwardClose")
	c.InsertService(ServiceGetConnectionOwner, m.getConnectionOwnerService, "GetConnectionOwner")
	c.InsertService(ServiceUnconnectedSend, m.unconnectedSendService, "UnconnectedSend")
	if err := opts.Registry.Register(c); err != nil {
		return nil, err
	}
	return m, nil
}

// BeginExplicit installs the per-request context before the router dispatch
// of an explicit message; ResponseItems collects whatever sockaddr items the
// dispatched service produced.
func (m *Manager) BeginExplicit(origin *net.UDPAddr, session eip.SessionHandle, reqItems []eip.CPFItem) {
	m.reqOrigin = origin
	m.reqSession = session
	m.reqSockaddr = reqItems
	m.respItems = nil
}

// ResponseItems returns and clears the response sockaddr items.
func (m *Manager) ResponseItems() []eip.CPFItem {
	items := m.respItems
	m.respItems = nil
	return items
}

// newConnectionID forms a connection id from the incarnation id in the upper
// half and a counter in the lower half, retrying on collision.
func (m *Manager) newConnectionID() uint32 {
	for {
		m.connCounter++
		id := m.incarnationID | (m.connCounter & 0xFFFF)
		if m.connectionByProducedID(id) == nil && m.connectionByConsumedID(id) == nil {
			return id
		}
	}
}

func (m *Manager) connectionByConsumedID(id uint32) *Connection {
	for _, c := range m.active {
		if c.State == StateEstablished && c.ConsumedConnectionID == id {
			return c
		}
	}
	return nil
}

func (m *Manager) connectionByProducedID(id uint32) *Connection {
	for _, c := range m.active {
		if c.State == StateEstablished && c.ProducedConnectionID == id {
			return c
		}
	}
	return nil
}

func (m *Manager) connectionByTriad(t Triad) *Connection {
	for _, c := range m.active {
		if (c.State == StateEstablished || c.State == StateTimedOut) && c.Triad == t {
			return c
		}
	}
	return nil
}

// addActive installs a connection into the active list in state Established.
func (m *Manager) addActive(c *Connection) {
	c.State = StateEstablished
	m.active = append(m.active, c)
	m.metrics.OpenConnections.WithLabelValues(c.InstanceType.String()).Inc()
}

func (m *Manager) removeActive(c *Connection) {
	for i, e := range m.active {
		if e == c {
			m.active = append(m.active[:i], m.active[i+1:]...)
			m.metrics.OpenConnections.WithLabelValues(c.InstanceType.String()).Dec()
			return
		}
	}
}

// snapshotActive copies the active list for iterations that close entries.
func (m *Manager) snapshotActive() []*Connection {
	return append([]*Connection(nil), m.active...)
}

// closeConnection releases the connection's sockets, removes it from the
// active list and returns the slot to NonExistent.
func (m *Manager) closeConnection(c *Connection) {
	if c.TransportClass() != 3 {
		m.socks.CloseSocket(c.ConsumingSocket)
		m.socks.CloseSocket(c.ProducingSocket)
	}
	m.removeActive(c)
	c.clear()
}

// CloseAll tears down every active connection; used at shutdown.
func (m *Manager) CloseAll() {
	for _, c := range m.snapshotActive() {
		c.handler.Close(c)
	}
}

// ActiveCount reports the number of connections in the active list.
func (m *Manager) ActiveCount() int { return len(m.active) }

// generalConfiguration applies the configuration shared by all connection
// types: target-chosen connection ids, zeroed sequence counters, the expected
// packet rate and the inactivity watchdog.
func (m *Manager) generalConfiguration(c *Connection) {
	if c.OtoTParams.ConnectionType == ConnTypePointToPoint {
		// for point-to-point O->T the target chooses the connection id
		c.ConsumedConnectionID = m.newConnectionID()
	}
	if c.TtoOParams.ConnectionType == ConnTypeMulticast {
		// for multicast T->O the target chooses the connection id
		c.ProducedConnectionID = m.newConnectionID()
	}

	c.EIPSeqProducing = 0
	c.SeqProducing = 0
	c.EIPSeqConsuming = 0
	c.SeqConsuming = 0

	c.WatchdogAction = WatchdogAutoDelete
	c.SetExpectedPacketRate(m.tickMs)
	if !c.IsServer() {
		// produce on the next timer tick
		c.TransmissionTriggerTimer = 0
	}

	c.ProductionInhibitTimer = 0
	c.ArmInactivityWatchdog()
}

func (m *Manager) forwardOpenService(large bool) cip.ServiceFunc {
	return func(inst *cip.Instance, req *cip.MessageRouterRequest, path cip.RequestPath, resp *cip.MessageRouterResponse) error {
		return m.forwardOpen(req, resp, large)
	}
}

// forwardOpen implements ForwardOpen and LargeForwardOpen.
func (m *Manager) forwardOpen(req *cip.MessageRouterRequest, resp *cip.MessageRouterResponse, large bool) error {
	request := &Connection{ConsumingSocket: sockets.InvalidHandle, ProducingSocket: sockets.InvalidHandle}

	headerLen := forwardOpenHeaderLength
	if large {
		headerLen += 4 // two 32-bit network parameter fields
	}
	data := req.RequestData
	if len(data) < headerLen {
		return cip.Error{Status: cip.StatusNotEnoughData}
	}

	r := bytes.NewReader(data)
	var hdr struct {
		PriorityTimeTick  uint8
		TimeoutTicks      uint8
		OtoTConnectionID  uint32
		TtoOConnectionID  uint32
		SerialNumber      uint16
		VendorID          uint16
		OriginatorSerial  uint32
		TimeoutMultiplier uint8
		Reserved          [3]uint8
	}
	binary.Read(r, binary.LittleEndian, &hdr)

	request.ConsumedConnectionID = hdr.OtoTConnectionID
	request.ProducedConnectionID = hdr.TtoOConnectionID
	request.Triad = Triad{
		SerialNumber:     hdr.SerialNumber,
		VendorID:         hdr.VendorID,
		OriginatorSerial: hdr.OriginatorSerial,
	}
	request.TimeoutMultiplier = hdr.TimeoutMultiplier

	if existing := m.connectionByTriad(request.Triad); existing != nil {
		// a reconfiguration request (null connection ids) would land here
		// too; it is answered as in-use pending conformance clarification
		m.logger.Info("duplicate forward open",
			zap.Uint16("serial", request.Triad.SerialNumber))
		m.metrics.ForwardOpens.WithLabelValues("duplicate").Inc()
		m.assembleForwardOpenFailure(request, resp, cip.StatusConnectionFailure, ExtStatusConnectionInUse)
		return nil
	}

	readParams := func() uint32 {
		if large {
			var v uint32
			binary.Read(r, binary.LittleEndian, &v)
			return v
		}
		var v uint16
		binary.Read(r, binary.LittleEndian, &v)
		return uint32(v)
	}

	binary.Read(r, binary.LittleEndian, &request.OtoTRPI)
	request.OtoTParams = ParseNetParams(readParams(), large)
	binary.Read(r, binary.LittleEndian, &request.TtoORPI)
	// the T->O production period is served in timer-tick multiples, so the
	// granted RPI is rounded up before it is echoed in the response
	request.TtoORPI = uint32(roundUpToTick(int64(request.TtoORPI), m.tickMs*1000))
	request.TtoOParams = ParseNetParams(readParams(), large)

	if request.OtoTParams.ConnectionType == ConnTypeReserved ||
		request.TtoOParams.ConnectionType == ConnTypeReserved {
		m.metrics.ForwardOpens.WithLabelValues("rejected").Inc()
		m.assembleForwardOpenFailure(request, resp, cip.StatusConnectionFailure, ExtStatusInvalidConnectionType)
		return nil
	}

	var trigger, pathSize uint8
	binary.Read(r, binary.LittleEndian, &trigger)
	binary.Read(r, binary.LittleEndian, &pathSize)
	request.TransportTrigger = trigger

	if trigger&0x40 != 0 {
		// reserved trigger bit the target cannot support
		m.metrics.ForwardOpens.WithLabelValues("rejected").Inc()
		m.assembleForwardOpenFailure(request, resp, cip.StatusConnectionFailure, ExtStatusTransportTriggerNotSupp)
		return nil
	}

	pathBytes := data[headerLen:]
	if len(pathBytes) != int(pathSize)*2 {
		status := cip.StatusNotEnoughData
		if len(pathBytes) > int(pathSize)*2 {
			status = cip.StatusTooMuchData
		}
		m.metrics.ForwardOpens.WithLabelValues("rejected").Inc()
		m.assembleForwardOpenFailure(request, resp, status, 0)
		return nil
	}

	if err := m.parseAndValidatePath(request, pathBytes); err != nil {
		m.metrics.ForwardOpens.WithLabelValues("rejected").Inc()
		m.assembleForwardOpenFailureErr(request, resp, err)
		return nil
	}

	open := m.connectables[request.Path.ClassID]
	if open == nil {
		m.metrics.ForwardOpens.WithLabelValues("rejected").Inc()
		m.assembleForwardOpenFailure(request, resp, cip.StatusConnectionFailure, ExtStatusInvalidConnectionPoint)
		return nil
	}

	request.State = StateConfiguring
	request.OriginatorAddr = m.reqOrigin
	request.Session = m.reqSession

	if err := open(request); err != nil {
		m.logger.Info("forward open failed", zap.Error(err))
		m.metrics.ForwardOpens.WithLabelValues("rejected").Inc()
		request.State = StateNonExistent
		m.assembleForwardOpenFailureErr(request, resp, err)
		return nil
	}

	// on success the installed connection is the last active entry
	installed := m.active[len(m.active)-1]
	m.metrics.ForwardOpens.WithLabelValues("success").Inc()
	m.logger.Info("connection opened",
		zap.String("type", installed.InstanceType.String()),
		zap.Uint32("consumed_id", installed.ConsumedConnectionID),
		zap.Uint32("produced_id", installed.ProducedConnectionID))
	m.assembleForwardOpenSuccess(installed, resp)
	return nil
}

// parseAndValidatePath decodes the connection path, validates the electronic
// key and assigns the connection points per the connection-type bits.
func (m *Manager) parseAndValidatePath(request *Connection, pathBytes []byte) error {
	cp, err := cip.ParseConnectionPath(pathBytes)
	if err != nil {
		return err
	}
	request.Path = *cp

	if cp.HasKey {
		if err := cip.CheckElectronicKey(cp.Key,
			m.ident.VendorID, m.ident.DeviceType, m.ident.ProductCode, m.ident.Revision); err != nil {
			return err
		}
	}

	class := m.router.Registry().Class(cp.ClassID)
	if class == nil {
		if cp.ClassID >= 0xC8 {
			return connFailure(ExtStatusInvalidSegmentInPath)
		}
		return connFailure(ExtStatusInvalidConnectionPoint)
	}

	request.ConnectionPoints[2] = uint32(cp.ConfigPoint)
	if cp.HasConfig && class.Instance(cp.ConfigPoint) == nil {
		return connFailure(ExtStatusInvalidSegmentInPath)
	}

	if request.TransportClass() == 3 {
		if len(cp.Points) != 0 {
			return connFailure(ExtStatusInvalidSegmentInPath)
		}
		if cp.ClassID != cip.ClassMessageRouter || cp.ConfigPoint != 1 {
			return connFailure(ExtStatusInvalidConnectionPoint)
		}
		request.ConnectionPoints[0] = uint32(cp.ConfigPoint)
		return nil
	}

	// I/O connection: exactly the paths demanded by the connection-type
	// bits must be present
	expected := 0
	if request.OtoTParams.ConnectionType != ConnTypeNull {
		expected++
	}
	if request.TtoOParams.ConnectionType != ConnTypeNull {
		expected++
	}
	if len(cp.Points) != expected {
		return connFailure(ExtStatusInvalidConnectionPoint)
	}
	for i, point := range cp.Points {
		if class.Instance(point) == nil {
			return connFailure(ExtStatusInvalidConnectionPoint)
		}
		request.ConnectionPoints[i] = uint32(point)
	}
	return nil
}

func (m *Manager) assembleForwardOpenSuccess(c *Connection, resp *cip.MessageRouterResponse) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, c.ConsumedConnectionID)
	binary.Write(buf, binary.LittleEndian, c.ProducedConnectionID)
	binary.Write(buf, binary.LittleEndian, c.Triad.SerialNumber)
	binary.Write(buf, binary.LittleEndian, c.Triad.VendorID)
	binary.Write(buf, binary.LittleEndian, c.Triad.OriginatorSerial)
	binary.Write(buf, binary.LittleEndian, c.OtoTRPI) // actual packet intervals
	binary.Write(buf, binary.LittleEndian, c.TtoORPI)
	buf.WriteByte(0) // application reply size
	buf.WriteByte(0) // reserved
	resp.ResponseData = buf.Bytes()
}

func (m *Manager) assembleForwardOpenFailureErr(request *Connection, resp *cip.MessageRouterResponse, err error) {
	if cipErr, ok := err.(cip.Error); ok {
		ext := cip.UINT(0)
		if len(cipErr.ExtStatus) > 0 {
			ext = cipErr.ExtStatus[0]
		}
		m.assembleForwardOpenFailure(request, resp, cipErr.Status, ext)
		return
	}
	m.assembleForwardOpenFailure(request, resp, cip.StatusConnectionFailure, ExtStatusInvalidSegmentInPath)
}

func (m *Manager) assembleForwardOpenFailure(request *Connection, resp *cip.MessageRouterResponse, status cip.USINT, extStatus cip.UINT) {
	resp.GeneralStatus = status
	if extStatus != 0 {
		resp.ExtStatus = []cip.UINT{extStatus}
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, request.Triad.SerialNumber)
	binary.Write(buf, binary.LittleEndian, request.Triad.VendorID)
	binary.Write(buf, binary.LittleEndian, request.Triad.OriginatorSerial)
	buf.WriteByte(0) // remaining path size, relevant for routing devices
	buf.WriteByte(0) // reserved
	resp.ResponseData = buf.Bytes()
}

// forwardCloseService matches the triad only; connection ids may have been
// reused since the open.
func (m *Manager) forwardCloseService(inst *cip.Instance, req *cip.MessageRouterRequest, path cip.RequestPath, resp *cip.MessageRouterResponse) error {
	data := req.RequestData
	if len(data) < 12 {
		return cip.Error{Status: cip.StatusNotEnoughData}
	}
	// priority/time-tick and timeout ticks are ignored
	triad := Triad{
		SerialNumber:     binary.LittleEndian.Uint16(data[2:4]),
		VendorID:         binary.LittleEndian.Uint16(data[4:6]),
		OriginatorSerial: binary.LittleEndian.Uint32(data[6:10]),
	}
	remainingPath := data[10]

	m.metrics.ForwardCloses.Inc()

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, triad.SerialNumber)
	binary.Write(buf, binary.LittleEndian, triad.VendorID)
	binary.Write(buf, binary.LittleEndian, triad.OriginatorSerial)

	if c := m.connectionByTriad(triad); c != nil {
		m.logger.Info("connection closed", zap.Uint16("serial", triad.SerialNumber))
		c.handler.Close(c)
		buf.WriteByte(0) // no application data
		buf.WriteByte(0) // reserved
		resp.ResponseData = buf.Bytes()
		return nil
	}

	resp.GeneralStatus = cip.StatusConnectionFailure
	resp.ExtStatus = []cip.UINT{ExtStatusConnectionNotFound}
	buf.WriteByte(remainingPath)
	buf.WriteByte(0)
	resp.ResponseData = buf.Bytes()
	return nil
}

func (m *Manager) getConnectionOwnerService(inst *cip.Instance, req *cip.MessageRouterRequest, path cip.RequestPath, resp *cip.MessageRouterResponse) error {
	return nil
}

// unconnectedSendService unwraps the embedded request and dispatches it
// locally. The adapter has a single CIP port, so the route path is not
// followed further.
func (m *Manager) unconnectedSendService(inst *cip.Instance, req *cip.MessageRouterRequest, path cip.RequestPath, resp *cip.MessageRouterResponse) error {
	data := req.RequestData
	if len(data) < 4 {
		return cip.Error{Status: cip.StatusNotEnoughData}
	}
	// priority/time-tick, timeout ticks
	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) < 4+size {
		return cip.Error{Status: cip.StatusNotEnoughData}
	}
	embedded, err := cip.DecodeMessageRouterRequest(data[4 : 4+size])
	if err != nil {
		return err
	}
	inner := m.router.Dispatch(embedded)
	resp.GeneralStatus = inner.GeneralStatus
	resp.ExtStatus = inner.ExtStatus
	resp.ResponseData = inner.ResponseData
	return nil
}
