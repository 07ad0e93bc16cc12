package eip

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"net"

	"go.uber.org/zap"
)

// Session table and delayed-response sizing.
const (
	// NumSessions bounds the number of concurrently registered TCP sessions.
	NumSessions = 20
	// NumDelayedMessages is the delayed ListIdentity queue depth; the
	// encapsulation spec requires at least two.
	NumDelayedMessages = 2
)

// Delay bounds for UDP ListIdentity responses, milliseconds.
const (
	ListIdentityDefaultDelayMs = 2000
	ListIdentityMinimumDelayMs = 500
)

// SocketID identifies a transport socket within the engine.
type SocketID int

// InvalidSocket marks an unused socket slot.
const InvalidSocket SocketID = -1

// ExplicitHandler is the upcall interface the encapsulation layer drives for
// SendRRData/SendUnitData payloads and session lifecycle.
type ExplicitHandler interface {
	// UnconnectedMessage dispatches an unconnected explicit request and
	// returns the message-router response plus any sockaddr info items the
	// service produced for the response CPF frame. reqItems carries the
	// sockaddr info items of the request, origin the requester address.
	UnconnectedMessage(data []byte, reqItems []CPFItem, origin *net.UDPAddr, session SessionHandle) (resp []byte, extra []CPFItem)
	// ConnectedMessage dispatches a class-3 request addressed by consumed
	// connection id. It reports the produced connection id for the reply
	// frame; ok is false when no established connection matches.
	ConnectedMessage(connectionID uint32, sequence uint16, data []byte, session SessionHandle) (replyID uint32, resp []byte, ok bool)
	// SessionClosed tears down all class-3 connections bound to the session.
	SessionClosed(session SessionHandle)
}

type delayedMessage struct {
	socket    SocketID
	origin    *net.UDPAddr
	timeoutMs int64
	message   []byte
}

// Encap implements the encapsulation session layer: TCP session registration,
// command framing and the delayed UDP ListIdentity queue.
type Encap struct {
	sessions [NumSessions]SocketID
	delayed  [NumDelayedMessages]*delayedMessage

	handler  ExplicitHandler
	identity func() DeviceIdentity
	logger   *zap.Logger
}

// NewEncap creates the encapsulation layer. The identity callback is
// evaluated per ListIdentity request so status changes are reflected.
func NewEncap(handler ExplicitHandler, identity func() DeviceIdentity, logger *zap.Logger) *Encap {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Encap{handler: handler, identity: identity, logger: logger}
	for i := range e.sessions {
		e.sessions[i] = InvalidSocket
	}
	return e
}

// SessionCount reports the number of registered sessions.
func (e *Encap) SessionCount() int {
	n := 0
	for _, s := range e.sessions {
		if s != InvalidSocket {
			n++
		}
	}
	return n
}

// sessionValid reports whether handle is registered and bound to socket.
func (e *Encap) sessionValid(handle SessionHandle, socket SocketID) bool {
	idx := int(handle) - 1
	return idx >= 0 && idx < NumSessions && e.sessions[idx] == socket
}

func encodeReply(h *EncapsulationHeader, status uint32, payload []byte) []byte {
	reply := &EncapsulationHeader{
		Command:       h.Command,
		Length:        uint16(len(payload)),
		SessionHandle: h.SessionHandle,
		Status:        status,
		SenderContext: h.SenderContext,
	}
	buf := new(bytes.Buffer)
	reply.Encode(buf)
	buf.Write(payload)
	return buf.Bytes()
}

// HandleTCP processes one framed request received on a TCP socket. origin is
// the TCP peer address, used for originator validation during forward-open.
// It returns the reply bytes (nil when no reply is due) and whether the
// transport must close the socket.
func (e *Encap) HandleTCP(socket SocketID, frame []byte, origin *net.UDPAddr) (reply []byte, closeConn bool) {
	header, payload, err := DecodeFrame(frame)
	if err != nil {
		e.logger.Warn("bad encapsulation frame", zap.Error(err))
		return nil, true
	}
	if header.Options != 0 {
		return nil, false
	}

	switch header.Command {
	case CommandNop:
		return nil, false

	case CommandListServices:
		return encodeReply(header, StatusSuccess,
			EncodeListServicesResponse(CapabilityTCP|CapabilityUDPClass0or1)), false

	case CommandListIdentity:
		return encodeReply(header, StatusSuccess,
			EncodeListIdentityResponse(e.identity())), false

	case CommandListInterfaces:
		return encodeReply(header, StatusSuccess, []byte{0x00, 0x00}), false

	case CommandRegisterSession:
		return e.registerSession(socket, header, payload), false

	case CommandUnregisterSession:
		e.unregisterSession(header.SessionHandle)
		return nil, true

	case CommandSendRRData:
		return e.sendRRData(socket, header, payload, origin), false

	case CommandSendUnitData:
		return e.sendUnitData(socket, header, payload), false

	default:
		return encodeReply(header, StatusInvalidCommand, nil), false
	}
}

// HandleUDP processes one encapsulation request received on UDP. A non-unicast
// ListIdentity is deferred into the delayed queue and produces no immediate
// reply.
func (e *Encap) HandleUDP(socket SocketID, frame []byte, origin *net.UDPAddr, unicast bool) []byte {
	header, _, err := DecodeFrame(frame)
	if err != nil {
		e.logger.Debug("bad UDP encapsulation frame", zap.Error(err))
		return nil
	}
	if header.Options != 0 {
		return nil
	}

	switch header.Command {
	case CommandListServices:
		return encodeReply(header, StatusSuccess,
			EncodeListServicesResponse(CapabilityTCP|CapabilityUDPClass0or1))

	case CommandListIdentity:
		if unicast {
			return encodeReply(header, StatusSuccess,
				EncodeListIdentityResponse(e.identity()))
		}
		e.queueDelayedListIdentity(socket, header, origin)
		return nil

	case CommandListInterfaces:
		return encodeReply(header, StatusSuccess, []byte{0x00, 0x00})

	default:
		// session-oriented commands are TCP only
		return encodeReply(header, StatusInvalidCommand, nil)
	}
}

func (e *Encap) registerSession(socket SocketID, header *EncapsulationHeader, payload []byte) []byte {
	if len(payload) < 4 {
		return encodeReply(header, StatusInvalidLength, nil)
	}
	version := binary.LittleEndian.Uint16(payload[0:2])
	options := binary.LittleEndian.Uint16(payload[2:4])

	respData := make([]byte, 4)
	binary.LittleEndian.PutUint16(respData[0:2], ProtocolVersion)

	if version == 0 || version > ProtocolVersion || options != 0 {
		return encodeReply(header, StatusUnsupportedProtocol, respData)
	}

	// a second register on the same socket is refused, reporting the
	// already assigned handle
	for i, s := range e.sessions {
		if s == socket {
			header.SessionHandle = SessionHandle(i + 1)
			return encodeReply(header, StatusInvalidCommand, respData)
		}
	}

	for i := range e.sessions {
		if e.sessions[i] == InvalidSocket {
			e.sessions[i] = socket
			header.SessionHandle = SessionHandle(i + 1)
			e.logger.Debug("session registered",
				zap.Uint32("handle", uint32(header.SessionHandle)))
			return encodeReply(header, StatusSuccess, respData)
		}
	}
	return encodeReply(header, StatusInsufficientMemory, respData)
}

func (e *Encap) unregisterSession(handle SessionHandle) {
	idx := int(handle) - 1
	if idx < 0 || idx >= NumSessions || e.sessions[idx] == InvalidSocket {
		return
	}
	e.sessions[idx] = InvalidSocket
	e.handler.SessionClosed(handle)
	e.logger.Debug("session unregistered", zap.Uint32("handle", uint32(handle)))
}

// SocketClosed clears any session registered on the socket after a TCP peer
// close and tears down the class-3 connections that referenced it.
func (e *Encap) SocketClosed(socket SocketID) {
	for i, s := range e.sessions {
		if s == socket {
			e.sessions[i] = InvalidSocket
			e.handler.SessionClosed(SessionHandle(i + 1))
		}
	}
}

func (e *Encap) sendRRData(socket SocketID, header *EncapsulationHeader, payload []byte, origin *net.UDPAddr) []byte {
	if !e.sessionValid(header.SessionHandle, socket) {
		return encodeReply(header, StatusInvalidSessionHandle, nil)
	}
	if len(payload) < 6 {
		return encodeReply(header, StatusInvalidLength, nil)
	}
	// interface handle and timeout are ignored
	cpf, err := DecodeCommonPacketFormat(payload[6:])
	if err != nil || len(cpf.Items) < 2 {
		return encodeReply(header, StatusIncorrectData, nil)
	}
	if cpf.Items[0].TypeID != ItemIDNullAddress || cpf.Items[1].TypeID != ItemIDUnconnectedData {
		return encodeReply(header, StatusIncorrectData, nil)
	}

	resp, extra := e.handler.UnconnectedMessage(cpf.Items[1].Data, cpf.Items[2:], origin, header.SessionHandle)

	respCPF := NewCommonPacketFormat(
		NewCPFItem(ItemIDNullAddress, nil),
		NewCPFItem(ItemIDUnconnectedData, resp),
	)
	respCPF.Append(extra...)
	cpfData, err := respCPF.Encode()
	if err != nil {
		return encodeReply(header, StatusIncorrectData, nil)
	}

	out := make([]byte, 6+len(cpfData))
	copy(out[6:], cpfData)
	return encodeReply(header, StatusSuccess, out)
}

func (e *Encap) sendUnitData(socket SocketID, header *EncapsulationHeader, payload []byte) []byte {
	if !e.sessionValid(header.SessionHandle, socket) {
		return encodeReply(header, StatusInvalidSessionHandle, nil)
	}
	if len(payload) < 6 {
		return encodeReply(header, StatusInvalidLength, nil)
	}
	cpf, err := DecodeCommonPacketFormat(payload[6:])
	if err != nil || len(cpf.Items) < 2 {
		return encodeReply(header, StatusIncorrectData, nil)
	}
	addrItem, dataItem := &cpf.Items[0], &cpf.Items[1]
	if addrItem.TypeID != ItemIDConnectedAddress || dataItem.TypeID != ItemIDConnectedData {
		return encodeReply(header, StatusIncorrectData, nil)
	}
	connID, err := addrItem.ConnectionID()
	if err != nil || len(dataItem.Data) < 2 {
		return encodeReply(header, StatusIncorrectData, nil)
	}
	sequence := binary.LittleEndian.Uint16(dataItem.Data[0:2])

	replyID, resp, ok := e.handler.ConnectedMessage(connID, sequence, dataItem.Data[2:], header.SessionHandle)
	if !ok {
		return encodeReply(header, StatusIncorrectData, nil)
	}

	respData := make([]byte, 2+len(resp))
	binary.LittleEndian.PutUint16(respData[0:2], sequence)
	copy(respData[2:], resp)

	respCPF := NewCommonPacketFormat(
		NewConnectedAddressItem(replyID),
		NewCPFItem(ItemIDConnectedData, respData),
	)
	cpfData, err := respCPF.Encode()
	if err != nil {
		return encodeReply(header, StatusIncorrectData, nil)
	}

	out := make([]byte, 6+len(cpfData))
	copy(out[6:], cpfData)
	return encodeReply(header, StatusSuccess, out)
}

// queueDelayedListIdentity defers a broadcast ListIdentity response by a
// random interval bounded by the sender context. Requests beyond the queue
// depth are dropped.
func (e *Encap) queueDelayedListIdentity(socket SocketID, header *EncapsulationHeader, origin *net.UDPAddr) {
	slot := -1
	for i := range e.delayed {
		if e.delayed[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		e.logger.Debug("delayed ListIdentity queue full, dropping request")
		return
	}

	maxDelay := int64(binary.LittleEndian.Uint16(header.SenderContext[0:2]))
	if maxDelay == 0 {
		maxDelay = ListIdentityDefaultDelayMs
	} else if maxDelay < ListIdentityMinimumDelayMs {
		maxDelay = ListIdentityMinimumDelayMs
	}

	e.delayed[slot] = &delayedMessage{
		socket:    socket,
		origin:    origin,
		timeoutMs: rand.Int64N(maxDelay + 1),
		message: encodeReply(header, StatusSuccess,
			EncodeListIdentityResponse(e.identity())),
	}
}

// ManageDelayedMessages ages the delayed queue by elapsedMs and fires expired
// responses through send. Called from the tick loop.
func (e *Encap) ManageDelayedMessages(elapsedMs int64, send func(socket SocketID, origin *net.UDPAddr, data []byte)) {
	for i, msg := range e.delayed {
		if msg == nil {
			continue
		}
		msg.timeoutMs -= elapsedMs
		if msg.timeoutMs <= 0 {
			send(msg.socket, msg.origin, msg.message)
			e.delayed[i] = nil
		}
	}
}
