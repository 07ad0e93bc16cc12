package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eipstack/adapter/internal/config"
	"github.com/eipstack/adapter/pkg/cip"
	"github.com/eipstack/adapter/pkg/eip"
)

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:    "info",
		UniqueID:    1,
		TimerTickMs: 10,
		Identity: config.Identity{
			VendorID:      0x0042,
			DeviceType:    12,
			ProductCode:   65001,
			MajorRevision: 2,
			MinorRevision: 1,
			SerialNumber:  0xDEADBEEF,
			ProductName:   "Go EIP Adapter",
		},
		Network: config.Network{
			IPAddress:   "192.168.1.10",
			NetworkMask: "255.255.255.0",
			EncapPort:   0xAF12,
			IOPort:      0x08AE,
		},
		Assemblies: []config.Assembly{
			{Instance: 0x64, Size: 6},
			{Instance: 0x96, Size: 2},
			{Instance: 0x05, Size: 0},
		},
		ExclusiveOwner: []config.PoolEntry{
			{OutputAssembly: 0x96, InputAssembly: 0x64, ConfigAssembly: 0x05},
		},
	}
}

// startEngine runs the event loop for the duration of the test.
func startEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(), nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func encapFrame(cmd eip.Command, session eip.SessionHandle, senderContext [8]byte, payload []byte) []byte {
	h := &eip.EncapsulationHeader{
		Command:       cmd,
		Length:        uint16(len(payload)),
		SessionHandle: session,
		SenderContext: senderContext,
	}
	return append(h.Bytes(), payload...)
}

func register(t *testing.T, e *Engine, socket eip.SocketID) eip.SessionHandle {
	t.Helper()
	req := encapFrame(eip.CommandRegisterSession, 0, [8]byte{}, []byte{0x01, 0x00, 0x00, 0x00})
	reply, closeConn := e.HandleReceivedExplicitTCPData(socket, req, &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50)})
	require.False(t, closeConn)
	h, _, err := eip.DecodeFrame(reply)
	require.NoError(t, err)
	require.Equal(t, eip.StatusSuccess, h.Status)
	require.NotZero(t, h.SessionHandle)
	return h.SessionHandle
}

func sendRRData(t *testing.T, e *Engine, socket eip.SocketID, session eip.SessionHandle, mrReq []byte) *cip.MessageRouterResponse {
	t.Helper()
	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDNullAddress, nil),
		eip.NewCPFItem(eip.ItemIDUnconnectedData, mrReq),
	)
	cpfData, err := cpf.Encode()
	require.NoError(t, err)
	payload := append(make([]byte, 6), cpfData...)

	reply, _ := e.HandleReceivedExplicitTCPData(socket,
		encapFrame(eip.CommandSendRRData, session, [8]byte{}, payload),
		&net.UDPAddr{IP: net.IPv4(192, 168, 1, 50)})

	h, respPayload, err := eip.DecodeFrame(reply)
	require.NoError(t, err)
	require.Equal(t, eip.StatusSuccess, h.Status)

	respCPF, err := eip.DecodeCommonPacketFormat(respPayload[6:])
	require.NoError(t, err)
	item := respCPF.FindItemByType(eip.ItemIDUnconnectedData)
	require.NotNil(t, item)

	resp, err := cip.DecodeMessageRouterResponse(item.Data)
	require.NoError(t, err)
	return resp
}

func TestEngine_RegisterThenListIdentity(t *testing.T) {
	e := startEngine(t)
	session := register(t, e, 1)

	reply, _ := e.HandleReceivedExplicitTCPData(1,
		encapFrame(eip.CommandListIdentity, session, [8]byte{}, nil), &net.UDPAddr{})
	h, payload, err := eip.DecodeFrame(reply)
	require.NoError(t, err)
	require.Equal(t, eip.StatusSuccess, h.Status)

	items, err := eip.DecodeListIdentityResponse(payload)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint16(0x0042), items[0].VendorID)
	assert.Equal(t, "192.168.1.10", net.IP(items[0].SocketAddr.Addr[:]).String())
}

func TestEngine_GetIdentityAttribute(t *testing.T) {
	e := startEngine(t)
	session := register(t, e, 1)

	req := &cip.MessageRouterRequest{
		Service:     cip.ServiceGetAttributeSingle,
		RequestPath: cip.Path{0x20, 0x01, 0x24, 0x01, 0x30, 0x07},
	}
	reqBytes, err := req.Encode()
	require.NoError(t, err)

	resp := sendRRData(t, e, 1, session, reqBytes)
	require.Equal(t, cip.StatusSuccess, resp.GeneralStatus)
	assert.Equal(t, byte(len("Go EIP Adapter")), resp.ResponseData[0])
	assert.Equal(t, "Go EIP Adapter", string(resp.ResponseData[1:]))
}

// buildClass3ForwardOpen builds a class-3 forward open to the message router.
func buildClass3ForwardOpen(serial uint16) []byte {
	path := cip.NewPath()
	path.AddClass(cip.ClassMessageRouter)
	path.AddInstance(1)

	buf := new(bytes.Buffer)
	buf.Write([]byte{0x01, 0xF4})
	binary.Write(buf, binary.LittleEndian, uint32(0))          // O->T id, target chooses
	binary.Write(buf, binary.LittleEndian, uint32(0x02000002)) // T->O id
	binary.Write(buf, binary.LittleEndian, serial)
	binary.Write(buf, binary.LittleEndian, uint16(0x0042))
	binary.Write(buf, binary.LittleEndian, uint32(0xDEADBEEF))
	buf.WriteByte(0)           // timeout multiplier
	buf.Write([]byte{0, 0, 0}) // reserved
	binary.Write(buf, binary.LittleEndian, uint32(1000000))    // O->T RPI 1s
	binary.Write(buf, binary.LittleEndian, uint16(2<<13|0x1FF))
	binary.Write(buf, binary.LittleEndian, uint32(1000000))
	binary.Write(buf, binary.LittleEndian, uint16(2<<13|0x1FF))
	buf.WriteByte(0xA3) // server, class 3
	buf.WriteByte(path.LenWords())
	buf.Write(path.Bytes())

	req := &cip.MessageRouterRequest{
		Service:     0x54,
		RequestPath: cip.Path{0x20, 0x06, 0x24, 0x01},
		RequestData: buf.Bytes(),
	}
	out, _ := req.Encode()
	return out
}

func TestEngine_Class3OverSessionThenUnregister(t *testing.T) {
	e := startEngine(t)
	session := register(t, e, 1)

	resp := sendRRData(t, e, 1, session, buildClass3ForwardOpen(0x7777))
	require.Equal(t, cip.StatusSuccess, resp.GeneralStatus)
	require.Len(t, resp.ResponseData, 26)
	consumedID := binary.LittleEndian.Uint32(resp.ResponseData[0:4])

	// explicit request over the connection
	inner := &cip.MessageRouterRequest{
		Service:     cip.ServiceGetAttributeSingle,
		RequestPath: cip.Path{0x20, 0x01, 0x24, 0x01, 0x30, 0x01},
	}
	innerBytes, err := inner.Encode()
	require.NoError(t, err)

	data := append([]byte{0x01, 0x00}, innerBytes...)
	cpf := eip.NewCommonPacketFormat(
		eip.NewConnectedAddressItem(consumedID),
		eip.NewCPFItem(eip.ItemIDConnectedData, data),
	)
	cpfData, _ := cpf.Encode()
	payload := append(make([]byte, 6), cpfData...)

	reply, _ := e.HandleReceivedExplicitTCPData(1,
		encapFrame(eip.CommandSendUnitData, session, [8]byte{}, payload), &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50)})
	h, _, err := eip.DecodeFrame(reply)
	require.NoError(t, err)
	require.Equal(t, eip.StatusSuccess, h.Status)

	// unregister tears the session and its class-3 connections down
	reply, closeConn := e.HandleReceivedExplicitTCPData(1,
		encapFrame(eip.CommandUnregisterSession, session, [8]byte{}, nil), &net.UDPAddr{})
	assert.Nil(t, reply)
	assert.True(t, closeConn)

	// the session handle is dead for further requests
	reply, _ = e.HandleReceivedExplicitTCPData(1,
		encapFrame(eip.CommandSendUnitData, session, [8]byte{}, payload), &net.UDPAddr{})
	h, _, err = eip.DecodeFrame(reply)
	require.NoError(t, err)
	assert.Equal(t, eip.StatusInvalidSessionHandle, h.Status)
}

func TestEngine_DelayedListIdentityFromTickLoop(t *testing.T) {
	e, err := New(testConfig(), nil, nil, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var sent [][]byte
	// installed before the loop starts, as the bootstrap does
	e.SetUDPSender(func(socket eip.SocketID, origin *net.UDPAddr, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, data)
	})

	runCtx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		e.Run(runCtx)
		close(loopDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-loopDone
	})

	// max delay 1 ms clamps up to the 500 ms minimum
	var ctx [8]byte
	binary.LittleEndian.PutUint16(ctx[0:2], 1)
	origin := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 99), Port: 50000}
	reply := e.HandleReceivedExplicitUDPData(1,
		origin, encapFrame(eip.CommandListIdentity, 0, ctx, nil), false)
	assert.Nil(t, reply, "broadcast response must come from the tick loop")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	_, payload, err := eip.DecodeFrame(sent[0])
	require.NoError(t, err)
	items, err := eip.DecodeListIdentityResponse(payload)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEngine_TCPSocketClosedTearsDownSession(t *testing.T) {
	e := startEngine(t)
	session := register(t, e, 3)

	e.TCPSocketClosed(3)

	reply, _ := e.HandleReceivedExplicitTCPData(3,
		encapFrame(eip.CommandSendRRData, session, [8]byte{}, make([]byte, 10)), &net.UDPAddr{})
	h, _, err := eip.DecodeFrame(reply)
	require.NoError(t, err)
	assert.Equal(t, eip.StatusInvalidSessionHandle, h.Status)
}
