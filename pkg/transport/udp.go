package transport

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/eipstack/adapter/pkg/eip"
)

// UDPServer serves encapsulation requests (ListIdentity, ListServices,
// ListInterfaces) on the EIP port, including broadcast discovery.
type UDPServer struct {
	handler Handler
	logger  *zap.Logger
	conn    *net.UDPConn
	localIP net.IP
	socket  eip.SocketID
}

// NewUDPServer creates the server; localIP distinguishes unicast requests
// from broadcast ones.
func NewUDPServer(handler Handler, localIP net.IP, logger *zap.Logger) *UDPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPServer{handler: handler, logger: logger, localIP: localIP, socket: 1}
}

// Start binds the UDP endpoint and serves in the background.
func (s *UDPServer) Start(address string) error {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("transport: bind %s: %w", address, err)
	}
	s.conn = conn
	s.logger.Info("UDP listener started", zap.String("address", address))
	go s.readLoop()
	return nil
}

// Close releases the endpoint.
func (s *UDPServer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Send transmits a deferred response; installed into the engine as its
// UDPSender.
func (s *UDPServer) Send(socket eip.SocketID, origin *net.UDPAddr, data []byte) {
	if s.conn == nil {
		return
	}
	if _, err := s.conn.WriteToUDP(data, origin); err != nil {
		s.logger.Debug("UDP send failed", zap.Error(err))
	}
}

func (s *UDPServer) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, origin, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		// a request addressed to our IP is unicast; broadcast discovery
		// responses are deferred by the engine
		unicast := s.localIP != nil && origin != nil && !origin.IP.IsMulticast()
		unicast = unicast && s.isUnicastDestination()

		reply := s.handler.HandleReceivedExplicitUDPData(s.socket, origin, frame, unicast)
		if len(reply) > 0 {
			if _, err := s.conn.WriteToUDP(reply, origin); err != nil {
				s.logger.Debug("UDP reply failed", zap.Error(err))
			}
		}
	}
}

// isUnicastDestination reports whether the datagram was addressed to the
// device itself. The portable net API does not expose the destination
// address, so discovery requests are treated as broadcast: responses are
// deferred per the encapsulation rules, which is valid for unicast too.
func (s *UDPServer) isUnicastDestination() bool {
	return false
}
