package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eipstack/adapter/pkg/eip"
	"github.com/eipstack/adapter/pkg/utils"
)

// maxEncapPayload bounds the accepted encapsulation payload length.
const maxEncapPayload = 65511

// Handler is the engine-side contract the transports drive.
type Handler interface {
	HandleReceivedExplicitTCPData(socket eip.SocketID, frame []byte, origin *net.UDPAddr) (reply []byte, closeConn bool)
	HandleReceivedExplicitUDPData(socket eip.SocketID, origin *net.UDPAddr, frame []byte, unicast bool) []byte
	TCPSocketClosed(socket eip.SocketID)
}

// TCPServer accepts encapsulation sessions on the EIP explicit messaging
// port. Each connection gets a reader goroutine that frames requests and
// hands them to the engine; replies are written back in request order.
type TCPServer struct {
	handler  Handler
	logger   *zap.Logger
	listener net.Listener
	nextID   atomic.Int64
}

// NewTCPServer creates the server.
func NewTCPServer(handler Handler, logger *zap.Logger) *TCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPServer{handler: handler, logger: logger}
}

// Start begins listening and accepting in the background.
func (s *TCPServer) Start(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", address, err)
	}
	s.listener = ln
	s.logger.Info("TCP listener started", zap.String("address", address))
	go s.acceptLoop(ln)
	return nil
}

// Close stops accepting new sessions.
func (s *TCPServer) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		socket := eip.SocketID(s.nextID.Add(1))
		go s.handleConnection(socket, conn)
	}
}

func (s *TCPServer) handleConnection(socket eip.SocketID, conn net.Conn) {
	defer func() {
		conn.Close()
		s.handler.TCPSocketClosed(socket)
	}()

	origin := &net.UDPAddr{}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		origin = &net.UDPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port}
	}
	s.logger.Debug("TCP session accepted", zap.Stringer("peer", conn.RemoteAddr()))

	headerBuf := make([]byte, eip.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, headerBuf); err != nil {
			return
		}
		dataLen := binary.LittleEndian.Uint16(headerBuf[2:4])
		if int(dataLen) > maxEncapPayload {
			return
		}

		frame := make([]byte, eip.HeaderSize+int(dataLen))
		copy(frame, headerBuf)
		if dataLen > 0 {
			if _, err := io.ReadFull(conn, frame[eip.HeaderSize:]); err != nil {
				return
			}
		}

		if ce := s.logger.Check(zap.DebugLevel, "request frame"); ce != nil {
			ce.Write(zap.String("dump", utils.HexDump(frame)))
		}

		reply, closeConn := s.handler.HandleReceivedExplicitTCPData(socket, frame, origin)
		if len(reply) > 0 {
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
		if closeConn {
			return
		}
	}
}
