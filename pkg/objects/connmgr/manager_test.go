package connmgr

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eipstack/adapter/pkg/cip"
	"github.com/eipstack/adapter/pkg/eip"
	"github.com/eipstack/adapter/pkg/objects/assembly"
)

func TestForwardOpen_ExclusiveOwner(t *testing.T) {
	f := newFixture(t)

	resp := f.open(defaultEO())
	got := decodeForwardOpenSuccess(t, resp)

	assert.Equal(t, uint16(0x1234), got.serial)
	assert.Equal(t, uint16(0x0042), got.vendor)
	assert.Equal(t, uint32(0xDEADBEEF), got.origSerial)
	assert.Equal(t, uint32(10000), got.o2tAPI)
	assert.Equal(t, uint32(20000), got.t2oAPI)

	// O->T is point-to-point: the target chose the consumed connection id
	assert.NotEqual(t, uint32(0x01000001), got.o2tConnID)
	// T->O is multicast: the target chose the produced connection id
	assert.NotEqual(t, uint32(0x02000002), got.t2oConnID)
	assert.Equal(t, uint32(0x0001)<<16, got.t2oConnID&0xFFFF0000, "incarnation id in the upper half")

	require.Equal(t, 1, f.m.ActiveCount())
	c := f.m.active[0]
	assert.Equal(t, StateEstablished, c.State)
	assert.Equal(t, TypeIOExclusiveOwner, c.InstanceType)
	assert.Equal(t, int64(10000), c.InactivityWatchdogTimer, "max(10s, 10ms << 2)")
	assert.Equal(t, int64(20), c.ExpectedPacketRate)

	// a T->O sockaddr item carries the multicast group
	items := f.m.ResponseItems()
	require.Len(t, items, 2, "O->T and T->O sockaddr items")
	sa, err := eip.DecodeSockAddr(items[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "239.192.1.32", sa.UDPAddr().IP.String())

	// opened event reached the application
	require.Len(t, f.app.events, 1)
	assert.Equal(t, appEvent{output: outputAssembly, input: inputAssembly, event: assembly.EventOpened}, f.app.events[0])
}

func TestForwardOpen_Duplicate(t *testing.T) {
	f := newFixture(t)
	decodeForwardOpenSuccess(t, f.open(defaultEO()))

	resp := f.open(defaultEO())
	assert.Equal(t, ExtStatusConnectionInUse, extStatus(t, resp))
	assert.Equal(t, 1, f.m.ActiveCount(), "no second connection installed")
}

func TestForwardOpen_ReservedConnectionType(t *testing.T) {
	f := newFixture(t)
	req := defaultEO()
	req.t2oParams = 3<<13 | 8
	assert.Equal(t, ExtStatusInvalidConnectionType, extStatus(t, f.open(req)))
}

func TestForwardOpen_ReservedTriggerBit(t *testing.T) {
	f := newFixture(t)
	req := defaultEO()
	req.trigger |= 0x40
	assert.Equal(t, ExtStatusTransportTriggerNotSupp, extStatus(t, f.open(req)))
}

func TestForwardOpen_WrongConnectionSize(t *testing.T) {
	f := newFixture(t)

	req := defaultEO()
	req.o2tParams = p2p(100)
	assert.Equal(t, ExtStatusInvalidConnectionSize, extStatus(t, f.open(req)))

	req = defaultEO()
	req.t2oParams = multicast(100)
	assert.Equal(t, ExtStatusInvalidConnectionSize, extStatus(t, f.open(req)))

	assert.Equal(t, 0, f.m.ActiveCount())
}

func TestForwardOpen_UnknownConnectionPoint(t *testing.T) {
	f := newFixture(t)
	req := defaultEO()
	req.path = nil
	req.path.AddClass(0x04)
	req.path.AddInstance(configAssembly)
	req.path.AddConnectionPoint(0x55) // not an assembly instance
	req.path.AddConnectionPoint(inputAssembly)
	assert.Equal(t, ExtStatusInvalidConnectionPoint, extStatus(t, f.open(req)))
}

func TestForwardOpen_OwnershipConflict(t *testing.T) {
	f := newFixture(t)
	decodeForwardOpenSuccess(t, f.open(defaultEO()))

	req := defaultEO()
	req.serial = 0x9999 // different triad, same exclusive-owner slot
	assert.Equal(t, ExtStatusOwnershipConflict, extStatus(t, f.open(req)))
}

func TestForwardOpen_ElectronicKey(t *testing.T) {
	f := newFixture(t)

	req := defaultEO()
	path := cip.NewPath()
	path.AddElectronicKey(cip.KeyData{VendorID: 1, DeviceType: 12, ProductCode: 7, MajorRevision: 2, MinorRevision: 1})
	path.AddClass(cip.ClassAssembly)
	path.AddInstance(configAssembly)
	path.AddConnectionPoint(outputAssembly)
	path.AddConnectionPoint(inputAssembly)
	req.path = path
	decodeForwardOpenSuccess(t, f.open(req))
}

func TestForwardOpen_ElectronicKeyMismatch(t *testing.T) {
	f := newFixture(t)

	req := defaultEO()
	path := cip.NewPath()
	path.AddElectronicKey(cip.KeyData{VendorID: 99})
	path.AddClass(cip.ClassAssembly)
	path.AddInstance(configAssembly)
	path.AddConnectionPoint(outputAssembly)
	path.AddConnectionPoint(inputAssembly)
	req.path = path
	assert.Equal(t, cip.ExtStatusVendorOrProductCodeError, extStatus(t, f.open(req)))
}

func TestForwardClose(t *testing.T) {
	f := newFixture(t)
	decodeForwardOpenSuccess(t, f.open(defaultEO()))
	producing := f.m.active[0].ProducingSocket

	resp := f.close(0x1234, 0x0042, 0xDEADBEEF)
	require.Equal(t, cip.StatusSuccess, resp.GeneralStatus)
	require.Len(t, resp.ResponseData, 10)
	assert.Equal(t, 0, f.m.ActiveCount())
	assert.Contains(t, f.socks.closed, producing, "producing socket released")
}

func TestForwardClose_NotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.close(0x5555, 0x0042, 0xDEADBEEF)
	assert.Equal(t, ExtStatusConnectionNotFound, extStatus(t, resp))
}

func TestForwardClose_MatchesTriadOnly(t *testing.T) {
	f := newFixture(t)
	decodeForwardOpenSuccess(t, f.open(defaultEO()))

	// wrong vendor must not match
	resp := f.close(0x1234, 0x0043, 0xDEADBEEF)
	assert.Equal(t, ExtStatusConnectionNotFound, extStatus(t, resp))
	assert.Equal(t, 1, f.m.ActiveCount())
}

func TestWatchdogFormula(t *testing.T) {
	tests := []struct {
		o2tRPIUs uint32
		mult     uint8
		want     int64
	}{
		{10000, 0, 10000},      // 10ms << 2 = 40 -> floor 10s
		{1000000, 0, 10000},    // 1s << 2 = 4s -> floor 10s
		{1000000, 2, 16000},    // 1s << 4 = 16s
		{500000, 3, 16000},     // 500ms << 5 = 16s
		{2000000, 4, 128000},   // 2s << 6 = 128s
	}

	for _, tt := range tests {
		f := newFixture(t)
		req := defaultEO()
		req.o2tRPI = tt.o2tRPIUs
		req.timeoutMult = tt.mult
		decodeForwardOpenSuccess(t, f.open(req))
		assert.Equal(t, tt.want, f.m.active[0].InactivityWatchdogTimer,
			"rpi=%dus mult=%d", tt.o2tRPIUs, tt.mult)
	}
}

func TestExpectedPacketRate_RoundedUpToTick(t *testing.T) {
	f := newFixture(t)
	req := defaultEO()
	req.t2oRPI = 15000 // 15ms rounds up to the 10ms tick grid
	resp := f.open(req)
	got := decodeForwardOpenSuccess(t, resp)

	assert.Equal(t, uint32(20000), got.t2oAPI, "granted API reflects the rounding")
	assert.Equal(t, int64(20), f.m.active[0].ExpectedPacketRate)
}

func TestNetParamsParsing(t *testing.T) {
	tests := []struct {
		name  string
		raw   uint32
		large bool
		want  NetParams
	}{
		{"p2p fixed", uint32(2<<13 | 4), false,
			NetParams{ConnectionType: ConnTypePointToPoint, Size: 4}},
		{"multicast variable high prio", uint32(1<<13 | 1<<9 | 1<<10 | 8), false,
			NetParams{ConnectionType: ConnTypeMulticast, Priority: PriorityHigh, Variable: true, Size: 8}},
		{"null", 0, false, NetParams{ConnectionType: ConnTypeNull}},
		{"large p2p", uint32(2)<<29 | 1000, true,
			NetParams{ConnectionType: ConnTypePointToPoint, Size: 1000}},
		{"large multicast scheduled", uint32(1)<<29 | uint32(2)<<26 | 0xFFFF, true,
			NetParams{ConnectionType: ConnTypeMulticast, Priority: PriorityScheduled, Size: 0xFFFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseNetParams(tt.raw, tt.large))
		})
	}
}

func TestLargeForwardOpen(t *testing.T) {
	f := newFixture(t)
	r := defaultEO()

	buf := new(bytes.Buffer)
	buf.Write([]byte{0x01, 0xF4})
	binary.Write(buf, binary.LittleEndian, r.o2tConnID)
	binary.Write(buf, binary.LittleEndian, r.t2oConnID)
	binary.Write(buf, binary.LittleEndian, r.serial)
	binary.Write(buf, binary.LittleEndian, r.vendor)
	binary.Write(buf, binary.LittleEndian, r.origSerial)
	buf.WriteByte(r.timeoutMult)
	buf.Write([]byte{0, 0, 0})
	binary.Write(buf, binary.LittleEndian, r.o2tRPI)
	binary.Write(buf, binary.LittleEndian, uint32(2)<<29|uint32(outputAssemblySize+2))
	binary.Write(buf, binary.LittleEndian, r.t2oRPI)
	binary.Write(buf, binary.LittleEndian, uint32(1)<<29|uint32(inputAssemblySize+2))
	buf.WriteByte(r.trigger)
	buf.WriteByte(r.path.LenWords())
	buf.Write(r.path.Bytes())

	f.m.BeginExplicit(f.origin, f.session, nil)
	resp := f.router.Dispatch(&cip.MessageRouterRequest{
		Service:     ServiceLargeForwardOpen,
		RequestPath: cip.Path{0x20, 0x06, 0x24, 0x01},
		RequestData: buf.Bytes(),
	})
	got := decodeForwardOpenSuccess(t, resp)
	assert.Equal(t, uint16(0x1234), got.serial)
	assert.Equal(t, 1, f.m.ActiveCount())
}

func TestTriadUniqueness(t *testing.T) {
	f := newFixture(t)
	decodeForwardOpenSuccess(t, f.open(defaultEO()))
	decodeForwardOpenSuccess(t, f.open(inputOnly(0x2222)))

	// every established triad is unique
	seen := map[Triad]int{}
	for _, c := range f.m.active {
		if c.State == StateEstablished {
			seen[c.Triad]++
		}
	}
	for triad, n := range seen {
		assert.Equal(t, 1, n, "triad %+v", triad)
	}
}
