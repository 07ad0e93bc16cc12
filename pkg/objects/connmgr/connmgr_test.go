package connmgr

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eipstack/adapter/internal/metrics"
	"github.com/eipstack/adapter/pkg/cip"
	"github.com/eipstack/adapter/pkg/eip"
	"github.com/eipstack/adapter/pkg/objects/assembly"
	"github.com/eipstack/adapter/pkg/objects/identity"
	"github.com/eipstack/adapter/pkg/sockets"
)

// Test device layout: an exclusive-owner pair, an input-only heartbeat pair
// and a listen-only pair, all producing input assembly 0x64.
const (
	outputAssembly    = 0x96
	inputAssembly     = 0x64
	configAssembly    = 0x05
	heartbeatInput    = 0x97 // input-only "output" heartbeat
	heartbeatListen   = 0x98 // listen-only "output" heartbeat
	outputAssemblySize = 2
	inputAssemblySize  = 6
)

type sentFrame struct {
	handle sockets.Handle
	addr   *net.UDPAddr
	data   []byte
}

type createdSocket struct {
	dir  sockets.Direction
	addr *net.UDPAddr
}

// fakeSockets records socket activity without touching the network.
type fakeSockets struct {
	next    sockets.Handle
	created map[sockets.Handle]createdSocket
	closed  []sockets.Handle
	sent    []sentFrame
}

func newFakeSockets() *fakeSockets {
	return &fakeSockets{next: 1, created: map[sockets.Handle]createdSocket{}}
}

func (f *fakeSockets) CreateUDPSocket(dir sockets.Direction, addr *net.UDPAddr, qos sockets.QoS) (sockets.Handle, error) {
	h := f.next
	f.next++
	f.created[h] = createdSocket{dir: dir, addr: addr}
	return h, nil
}

func (f *fakeSockets) SendUDPData(addr *net.UDPAddr, h sockets.Handle, data []byte) error {
	f.sent = append(f.sent, sentFrame{handle: h, addr: addr, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeSockets) CloseSocket(h sockets.Handle) {
	if h != sockets.InvalidHandle {
		f.closed = append(f.closed, h)
	}
}

type appEvent struct {
	output, input uint32
	event         assembly.Event
}

// recordingApp records the application callbacks.
type recordingApp struct {
	events     []appEvent
	received   []uint32
	runIdle    []uint32
	changed    bool
	rejectNext bool
}

func (a *recordingApp) AfterAssemblyDataReceived(inst *assembly.Instance) error {
	a.received = append(a.received, inst.ID)
	if a.rejectNext {
		return cip.Error{Status: cip.StatusInvalidAttributeValue}
	}
	return nil
}

func (a *recordingApp) BeforeAssemblyDataSend(inst *assembly.Instance) bool { return a.changed }

func (a *recordingApp) IoConnectionEvent(output, input uint32, event assembly.Event) {
	a.events = append(a.events, appEvent{output: output, input: input, event: event})
}

func (a *recordingApp) RunIdleChanged(runIdle uint32) { a.runIdle = append(a.runIdle, runIdle) }

type fixture struct {
	t       *testing.T
	m       *Manager
	router  *cip.MessageRouter
	socks   *fakeSockets
	app     *recordingApp
	asm     *assembly.Object
	origin  *net.UDPAddr
	session eip.SessionHandle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := cip.NewRegistry()
	router := cip.NewMessageRouter(registry, nil)

	mrClass := cip.NewClass(cip.ClassMessageRouter, "message router", 1, 0, 0, 0)
	mrClass.AddInstance(1)
	require.NoError(t, registry.Register(mrClass))

	ident := &identity.Identity{
		VendorID:    1,
		DeviceType:  12,
		ProductCode: 7,
		Revision:    cip.Revision{Major: 2, Minor: 1},
	}
	require.NoError(t, identity.Register(registry, ident))

	app := &recordingApp{}
	asm, err := assembly.New(registry, app, nil)
	require.NoError(t, err)
	for _, a := range []struct {
		id   uint32
		size int
	}{
		{outputAssembly, outputAssemblySize},
		{inputAssembly, inputAssemblySize},
		{configAssembly, 4},
		{heartbeatInput, 0},
		{heartbeatListen, 0},
	} {
		_, err := asm.RegisterInstance(a.id, a.size)
		require.NoError(t, err)
	}

	socks := newFakeSockets()
	m, err := New(Options{
		Registry:  registry,
		Router:    router,
		Assembly:  asm,
		Identity:  ident,
		Sockets:   socks,
		Metrics:   metrics.New(nil),
		TickMs:    10,
		UniqueID:  0x0001,
		Multicast: net.IPv4(239, 192, 1, 32),
		LocalIP:   net.IPv4(192, 168, 1, 10),
		IOPort:    0x08AE,
		ExclusiveOwner: []PoolEntry{
			{OutputAssembly: outputAssembly, InputAssembly: inputAssembly, ConfigAssembly: configAssembly},
		},
		InputOnly: []PoolEntry{
			{OutputAssembly: heartbeatInput, InputAssembly: inputAssembly, ConfigAssembly: configAssembly},
		},
		ListenOnly: []PoolEntry{
			{OutputAssembly: heartbeatListen, InputAssembly: inputAssembly, ConfigAssembly: configAssembly},
		},
	})
	require.NoError(t, err)

	return &fixture{
		t:       t,
		m:       m,
		router:  router,
		socks:   socks,
		app:     app,
		asm:     asm,
		origin:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 44818},
		session: 1,
	}
}

// Network connection parameter helpers (16-bit encoding).
func p2p(size uint16) uint16       { return 2<<13 | size }
func multicast(size uint16) uint16 { return 1<<13 | size }

type foRequest struct {
	o2tConnID   uint32
	t2oConnID   uint32
	serial      uint16
	vendor      uint16
	origSerial  uint32
	timeoutMult uint8
	o2tRPI      uint32 // microseconds
	o2tParams   uint16
	t2oRPI      uint32
	t2oParams   uint16
	trigger     byte
	path        cip.Path
}

// defaultEO is the exclusive-owner open of the end-to-end scenario: O->T
// point-to-point size 4 @10 ms, T->O multicast size 8 @20 ms, class 1.
func defaultEO() foRequest {
	path := cip.NewPath()
	path.AddClass(cip.ClassAssembly)
	path.AddInstance(configAssembly)
	path.AddConnectionPoint(outputAssembly)
	path.AddConnectionPoint(inputAssembly)
	return foRequest{
		o2tConnID:  0x01000001,
		t2oConnID:  0x02000002,
		serial:     0x1234,
		vendor:     0x0042,
		origSerial: 0xDEADBEEF,
		o2tRPI:     10000,
		o2tParams:  p2p(outputAssemblySize + 2), // class-1 sequence count
		t2oRPI:     20000,
		t2oParams:  multicast(inputAssemblySize + 2),
		trigger:    0x01, // client, cyclic, class 1
		path:       path,
	}
}

// inputOnly opens the heartbeat pair consuming nothing and sharing the
// multicast production.
func inputOnly(serial uint16) foRequest {
	path := cip.NewPath()
	path.AddClass(cip.ClassAssembly)
	path.AddInstance(configAssembly)
	path.AddConnectionPoint(heartbeatInput)
	path.AddConnectionPoint(inputAssembly)
	req := defaultEO()
	req.serial = serial
	req.o2tParams = p2p(2) // heartbeat: sequence count only
	req.path = path
	return req
}

func listenOnly(serial uint16) foRequest {
	path := cip.NewPath()
	path.AddClass(cip.ClassAssembly)
	path.AddInstance(configAssembly)
	path.AddConnectionPoint(heartbeatListen)
	path.AddConnectionPoint(inputAssembly)
	req := defaultEO()
	req.serial = serial
	req.o2tParams = p2p(2)
	req.path = path
	return req
}

func (r foRequest) encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(0x01) // priority/time-tick
	buf.WriteByte(0xF4) // timeout ticks
	binary.Write(buf, binary.LittleEndian, r.o2tConnID)
	binary.Write(buf, binary.LittleEndian, r.t2oConnID)
	binary.Write(buf, binary.LittleEndian, r.serial)
	binary.Write(buf, binary.LittleEndian, r.vendor)
	binary.Write(buf, binary.LittleEndian, r.origSerial)
	buf.WriteByte(r.timeoutMult)
	buf.Write([]byte{0, 0, 0}) // reserved
	binary.Write(buf, binary.LittleEndian, r.o2tRPI)
	binary.Write(buf, binary.LittleEndian, r.o2tParams)
	binary.Write(buf, binary.LittleEndian, r.t2oRPI)
	binary.Write(buf, binary.LittleEndian, r.t2oParams)
	buf.WriteByte(r.trigger)
	buf.WriteByte(r.path.LenWords())
	buf.Write(r.path.Bytes())
	return buf.Bytes()
}

// open dispatches a ForwardOpen through the message router, as the
// encapsulation layer would.
func (f *fixture) open(req foRequest) *cip.MessageRouterResponse {
	f.t.Helper()
	f.m.BeginExplicit(f.origin, f.session, nil)
	return f.router.Dispatch(&cip.MessageRouterRequest{
		Service:     ServiceForwardOpen,
		RequestPath: cip.Path{0x20, 0x06, 0x24, 0x01},
		RequestData: req.encode(),
	})
}

func (f *fixture) close(serial uint16, vendor uint16, origSerial uint32) *cip.MessageRouterResponse {
	f.t.Helper()
	buf := new(bytes.Buffer)
	buf.Write([]byte{0x01, 0xF4}) // priority, timeout ticks
	binary.Write(buf, binary.LittleEndian, serial)
	binary.Write(buf, binary.LittleEndian, vendor)
	binary.Write(buf, binary.LittleEndian, origSerial)
	buf.WriteByte(3) // connection path size
	buf.WriteByte(0) // reserved
	buf.Write([]byte{0x20, 0x04, 0x24, 0x05, 0x2C, 0x96})

	f.m.BeginExplicit(f.origin, f.session, nil)
	return f.router.Dispatch(&cip.MessageRouterRequest{
		Service:     ServiceForwardClose,
		RequestPath: cip.Path{0x20, 0x06, 0x24, 0x01},
		RequestData: buf.Bytes(),
	})
}

// extStatus extracts the first extended status word of a failure response.
func extStatus(t *testing.T, resp *cip.MessageRouterResponse) cip.UINT {
	t.Helper()
	require.Equal(t, cip.StatusConnectionFailure, resp.GeneralStatus)
	require.Len(t, resp.ExtStatus, 1)
	return resp.ExtStatus[0]
}

// decodeForwardOpenSuccess splits a 26-byte success response.
type foSuccess struct {
	o2tConnID  uint32
	t2oConnID  uint32
	serial     uint16
	vendor     uint16
	origSerial uint32
	o2tAPI     uint32
	t2oAPI     uint32
}

func decodeForwardOpenSuccess(t *testing.T, resp *cip.MessageRouterResponse) foSuccess {
	t.Helper()
	require.Equal(t, cip.StatusSuccess, resp.GeneralStatus)
	require.Len(t, resp.ResponseData, 26)
	d := resp.ResponseData
	return foSuccess{
		o2tConnID:  binary.LittleEndian.Uint32(d[0:4]),
		t2oConnID:  binary.LittleEndian.Uint32(d[4:8]),
		serial:     binary.LittleEndian.Uint16(d[8:10]),
		vendor:     binary.LittleEndian.Uint16(d[10:12]),
		origSerial: binary.LittleEndian.Uint32(d[12:16]),
		o2tAPI:     binary.LittleEndian.Uint32(d[16:20]),
		t2oAPI:     binary.LittleEndian.Uint32(d[20:24]),
	}
}

// ioFrame builds a class-1 connected data frame as the scanner would send it.
func ioFrame(connID, eipSeq uint32, class1Seq uint16, payload []byte) []byte {
	data := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(data[0:2], class1Seq)
	copy(data[2:], payload)
	cpf := eip.NewCommonPacketFormat(
		eip.NewSequencedAddressItem(connID, eipSeq),
		eip.NewCPFItem(eip.ItemIDConnectedData, data),
	)
	frame, _ := cpf.Encode()
	return frame
}
