package sockets

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Direction distinguishes consuming (bound/receiving) from producing
// (sending) UDP endpoints.
type Direction int

const (
	Consuming Direction = iota
	Producing
)

// Handle identifies a socket owned by the service.
type Handle int

// InvalidHandle marks an unassigned socket slot.
const InvalidHandle Handle = -1

// QoS is the DSCP value applied to produced traffic.
type QoS uint8

// Service is the contract the connection engine demands from the platform
// networking layer.
type Service interface {
	// CreateUDPSocket opens a UDP endpoint. For consuming sockets addr is
	// the bind address (joining the group when multicast); for producing
	// sockets addr is the destination.
	CreateUDPSocket(dir Direction, addr *net.UDPAddr, qos QoS) (Handle, error)
	// SendUDPData transmits data on the handle to the given address.
	SendUDPData(addr *net.UDPAddr, h Handle, data []byte) error
	// CloseSocket releases the handle; closing InvalidHandle is a no-op.
	CloseSocket(h Handle)
}

// Sink receives datagrams arriving on consuming sockets.
type Sink func(h Handle, data []byte, origin *net.UDPAddr)

// listener is a shared underlying UDP socket. Consuming handles for the same
// bind address alias one listener and are reference counted, since every
// point-to-point consumer binds the common I/O port.
type listener struct {
	conn *net.UDPConn
	refs int
}

// NetService is the net-based Service implementation. Consuming sockets pump
// received datagrams into the configured sink from per-listener goroutines;
// the engine serializes them onto its event loop.
type NetService struct {
	logger    *zap.Logger
	sink      Sink
	next      Handle
	producers map[Handle]*net.UDPConn
	consumers map[Handle]string
	listeners map[string]*listener
}

// NewNetService creates the socket service.
func NewNetService(logger *zap.Logger) *NetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetService{
		logger:    logger,
		next:      1,
		producers: make(map[Handle]*net.UDPConn),
		consumers: make(map[Handle]string),
		listeners: make(map[string]*listener),
	}
}

// SetSink installs the receive sink. Must be called before the first
// consuming socket is created.
func (s *NetService) SetSink(sink Sink) { s.sink = sink }

// CreateUDPSocket implements Service.
func (s *NetService) CreateUDPSocket(dir Direction, addr *net.UDPAddr, qos QoS) (Handle, error) {
	switch dir {
	case Consuming:
		return s.createConsuming(addr)
	case Producing:
		return s.createProducing(qos)
	default:
		return InvalidHandle, fmt.Errorf("sockets: unknown direction %d", dir)
	}
}

func (s *NetService) createConsuming(addr *net.UDPAddr) (Handle, error) {
	key := addr.String()
	l := s.listeners[key]
	if l == nil {
		var conn *net.UDPConn
		var err error
		if addr.IP != nil && addr.IP.IsMulticast() {
			conn, err = net.ListenMulticastUDP("udp4", nil, addr)
		} else {
			conn, err = net.ListenUDP("udp4", addr)
		}
		if err != nil {
			return InvalidHandle, fmt.Errorf("sockets: bind %s: %w", key, err)
		}
		l = &listener{conn: conn}
		s.listeners[key] = l
		go s.readLoop(conn)
	}
	l.refs++

	h := s.next
	s.next++
	s.consumers[h] = key
	return h, nil
}

func (s *NetService) createProducing(qos QoS) (Handle, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return InvalidHandle, fmt.Errorf("sockets: create producing socket: %w", err)
	}
	if qos != 0 {
		p := ipv4.NewConn(conn)
		if err := p.SetTOS(int(qos) << 2); err != nil {
			s.logger.Debug("cannot set DSCP", zap.Error(err))
		}
	}
	h := s.next
	s.next++
	s.producers[h] = conn
	return h, nil
}

func (s *NetService) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, origin, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		if s.sink != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.sink(InvalidHandle, data, origin)
		}
	}
}

// SendUDPData implements Service.
func (s *NetService) SendUDPData(addr *net.UDPAddr, h Handle, data []byte) error {
	conn, ok := s.producers[h]
	if !ok {
		return fmt.Errorf("sockets: send on unknown handle %d", h)
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("sockets: send to %s: %w", addr, err)
	}
	return nil
}

// CloseSocket implements Service.
func (s *NetService) CloseSocket(h Handle) {
	if h == InvalidHandle {
		return
	}
	if conn, ok := s.producers[h]; ok {
		conn.Close()
		delete(s.producers, h)
		return
	}
	if key, ok := s.consumers[h]; ok {
		delete(s.consumers, h)
		if l := s.listeners[key]; l != nil {
			l.refs--
			if l.refs <= 0 {
				l.conn.Close()
				delete(s.listeners, key)
			}
		}
	}
}

// Close releases every open socket.
func (s *NetService) Close() {
	for h, conn := range s.producers {
		conn.Close()
		delete(s.producers, h)
	}
	for key, l := range s.listeners {
		l.conn.Close()
		delete(s.listeners, key)
	}
	s.consumers = make(map[Handle]string)
}
