package runtime

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/eipstack/adapter/internal/config"
	"github.com/eipstack/adapter/internal/metrics"
	"github.com/eipstack/adapter/pkg/cip"
	"github.com/eipstack/adapter/pkg/eip"
	"github.com/eipstack/adapter/pkg/objects/assembly"
	"github.com/eipstack/adapter/pkg/objects/connmgr"
	"github.com/eipstack/adapter/pkg/objects/ethernetlink"
	"github.com/eipstack/adapter/pkg/objects/identity"
	"github.com/eipstack/adapter/pkg/objects/tcpip"
	"github.com/eipstack/adapter/pkg/sockets"
)

// UDPSender transmits a deferred encapsulation response on the listener
// socket it arrived on.
type UDPSender func(socket eip.SocketID, origin *net.UDPAddr, data []byte)

// Engine owns the whole adapter state: the class registry, the encapsulation
// session table, the connection manager and the socket service. One goroutine
// runs the event loop; transports hand work in through it, so no locks guard
// connection state.
type Engine struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     *config.Config

	registry *cip.Registry
	router   *cip.MessageRouter
	encap    *eip.Encap
	manager  *connmgr.Manager
	asm      *assembly.Object
	ident    *identity.Identity
	netIface *tcpip.Object
	socks    *sockets.NetService

	tickMs    int64
	udpSender UDPSender

	events chan func()
	done   chan struct{}
}

// New builds the engine from the configuration. The application receives the
// assembly callbacks; pass nil to run headless.
func New(cfg *config.Config, app assembly.Application, reg prometheus.Registerer, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger:   logger,
		metrics:  metrics.New(reg),
		cfg:      cfg,
		registry: cip.NewRegistry(),
		tickMs:   cfg.TimerTickMs,
		events:   make(chan func()),
		done:     make(chan struct{}),
	}
	e.router = cip.NewMessageRouter(e.registry, logger.Named("router"))

	// message router class, the class-3 connection target
	mrClass := cip.NewClass(cip.ClassMessageRouter, "message router", 1, 0, 0, 0)
	mrClass.AddInstance(1)
	if err := e.registry.Register(mrClass); err != nil {
		return nil, err
	}

	e.ident = &identity.Identity{
		VendorID:     cip.UINT(cfg.Identity.VendorID),
		DeviceType:   cip.UINT(cfg.Identity.DeviceType),
		ProductCode:  cip.UINT(cfg.Identity.ProductCode),
		Revision:     cip.Revision{Major: cip.USINT(cfg.Identity.MajorRevision), Minor: cip.USINT(cfg.Identity.MinorRevision)},
		Status:       identity.StatusOwned,
		SerialNumber: cip.UDINT(cfg.Identity.SerialNumber),
		ProductName:  cip.ShortString(cfg.Identity.ProductName),
	}
	if err := identity.Register(e.registry, e.ident); err != nil {
		return nil, err
	}

	netIface, err := tcpip.Register(e.registry,
		cfg.Network.IPAddress, cfg.Network.NetworkMask, cfg.Network.Gateway)
	if err != nil {
		return nil, err
	}
	e.netIface = netIface

	if _, err := ethernetlink.Register(e.registry, 100, interfaceMAC(cfg.Network.Interface)); err != nil {
		return nil, err
	}

	e.asm, err = assembly.New(e.registry, app, logger.Named("assembly"))
	if err != nil {
		return nil, err
	}
	for _, a := range cfg.Assemblies {
		if _, err := e.asm.RegisterInstance(a.Instance, a.Size); err != nil {
			return nil, err
		}
	}

	e.socks = sockets.NewNetService(logger.Named("sockets"))
	e.socks.SetSink(func(h sockets.Handle, data []byte, origin *net.UDPAddr) {
		// serialize I/O ingress onto the event loop
		select {
		case e.events <- func() { e.manager.HandleReceivedConnectedData(data, origin) }:
		case <-e.done:
		}
	})

	e.manager, err = connmgr.New(connmgr.Options{
		Registry:       e.registry,
		Router:         e.router,
		Assembly:       e.asm,
		Identity:       e.ident,
		Sockets:        e.socks,
		Metrics:        e.metrics,
		Logger:         logger.Named("connmgr"),
		TickMs:         cfg.TimerTickMs,
		UniqueID:       cfg.UniqueID,
		Multicast:      netIface.Multicast,
		LocalIP:        netIface.Config.IPAddress,
		IOPort:         cfg.Network.IOPort,
		ExclusiveOwner: poolEntries(cfg.ExclusiveOwner),
		InputOnly:      poolEntries(cfg.InputOnly),
		ListenOnly:     poolEntries(cfg.ListenOnly),
	})
	if err != nil {
		return nil, err
	}

	e.encap = eip.NewEncap(e, e.deviceIdentity, logger.Named("encap"))
	return e, nil
}

func poolEntries(entries []config.PoolEntry) []connmgr.PoolEntry {
	out := make([]connmgr.PoolEntry, len(entries))
	for i, p := range entries {
		out[i] = connmgr.PoolEntry{
			OutputAssembly: p.OutputAssembly,
			InputAssembly:  p.InputAssembly,
			ConfigAssembly: p.ConfigAssembly,
		}
	}
	return out
}

func interfaceMAC(name string) []byte {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return iface.HardwareAddr
}

func (e *Engine) deviceIdentity() eip.DeviceIdentity {
	return eip.DeviceIdentity{
		VendorID:     uint16(e.ident.VendorID),
		DeviceType:   uint16(e.ident.DeviceType),
		ProductCode:  uint16(e.ident.ProductCode),
		Revision:     [2]byte{byte(e.ident.Revision.Major), byte(e.ident.Revision.Minor)},
		Status:       uint16(e.ident.Status),
		SerialNumber: uint32(e.ident.SerialNumber),
		ProductName:  string(e.ident.ProductName),
		State:        uint8(e.ident.State),
		IP:           e.netIface.Config.IPAddress,
		Port:         e.cfg.Network.EncapPort,
	}
}

// Assembly returns the assembly object for application data access.
func (e *Engine) Assembly() *assembly.Object { return e.asm }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// SetUDPSender installs the callback used to emit deferred ListIdentity
// responses; the UDP transport provides it before Run.
func (e *Engine) SetUDPSender(s UDPSender) { e.udpSender = s }

// Run drives the event loop until the context ends. The loop alternates
// between queued socket work and the periodic tick, so all connection state
// is touched from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(e.tickMs) * time.Millisecond)
	defer ticker.Stop()
	defer close(e.done)

	e.logger.Info("engine running",
		zap.Int64("tick_ms", e.tickMs),
		zap.String("multicast", e.netIface.Multicast.String()))

	for {
		select {
		case <-ctx.Done():
			e.manager.CloseAll()
			e.socks.Close()
			e.logger.Info("engine stopped")
			return ctx.Err()
		case fn := <-e.events:
			fn()
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.manager.ManageConnections(e.tickMs)
	e.encap.ManageDelayedMessages(e.tickMs, func(socket eip.SocketID, origin *net.UDPAddr, data []byte) {
		if e.udpSender != nil {
			e.udpSender(socket, origin, data)
		}
	})
	e.metrics.RegisteredSessions.Set(float64(e.encap.SessionCount()))
}

// do runs fn on the event loop and waits for completion.
func (e *Engine) do(fn func()) {
	doneCh := make(chan struct{})
	select {
	case e.events <- func() { fn(); close(doneCh) }:
		<-doneCh
	case <-e.done:
	}
}

// HandleReceivedExplicitTCPData processes one framed encapsulation request
// from a TCP transport. It returns the reply and whether the connection must
// close.
func (e *Engine) HandleReceivedExplicitTCPData(socket eip.SocketID, frame []byte, origin *net.UDPAddr) (reply []byte, closeConn bool) {
	e.do(func() {
		if cmdLen := len(frame); cmdLen >= 2 {
			hdr, _, err := eip.DecodeFrame(frame)
			if err == nil {
				e.metrics.EncapRequests.WithLabelValues(hdr.Command.String()).Inc()
			}
		}
		reply, closeConn = e.encap.HandleTCP(socket, frame, origin)
	})
	return reply, closeConn
}

// HandleReceivedExplicitUDPData processes one encapsulation request from the
// UDP transport.
func (e *Engine) HandleReceivedExplicitUDPData(socket eip.SocketID, origin *net.UDPAddr, frame []byte, unicast bool) (reply []byte) {
	e.do(func() {
		reply = e.encap.HandleUDP(socket, frame, origin, unicast)
	})
	return reply
}

// TCPSocketClosed tears down the session bound to a closed TCP socket.
func (e *Engine) TCPSocketClosed(socket eip.SocketID) {
	e.do(func() { e.encap.SocketClosed(socket) })
}

// HandleReceivedConnectedData feeds a class-0/1 UDP frame into the engine;
// the socket service sink uses this path internally.
func (e *Engine) HandleReceivedConnectedData(data []byte, origin *net.UDPAddr) {
	e.do(func() { e.manager.HandleReceivedConnectedData(data, origin) })
}

// ManageConnections runs one explicit scheduler tick; Run invokes this
// periodically on its own.
func (e *Engine) ManageConnections(elapsedMs int64) {
	e.do(func() { e.manager.ManageConnections(elapsedMs) })
}

// UnconnectedMessage implements eip.ExplicitHandler on the event loop.
func (e *Engine) UnconnectedMessage(data []byte, reqItems []eip.CPFItem, origin *net.UDPAddr, session eip.SessionHandle) ([]byte, []eip.CPFItem) {
	req, err := cip.DecodeMessageRouterRequest(data)
	if err != nil {
		service := cip.USINT(0)
		if len(data) > 0 {
			service = cip.USINT(data[0])
		}
		return cip.FailureResponse(service, err).Encode(), nil
	}
	e.manager.BeginExplicit(origin, session, reqItems)
	resp := e.router.Dispatch(req)
	return resp.Encode(), e.manager.ResponseItems()
}

// ConnectedMessage implements eip.ExplicitHandler.
func (e *Engine) ConnectedMessage(connectionID uint32, sequence uint16, data []byte, session eip.SessionHandle) (uint32, []byte, bool) {
	return e.manager.ConnectedMessage(connectionID, sequence, data, session)
}

// SessionClosed implements eip.ExplicitHandler.
func (e *Engine) SessionClosed(session eip.SessionHandle) {
	e.manager.SessionClosed(session)
}

// Shutdown closes all connections outside of Run; used when the loop never
// started or already ended.
func (e *Engine) Shutdown() {
	e.manager.CloseAll()
	e.socks.Close()
}

// String describes the engine configuration for startup logging.
func (e *Engine) String() string {
	return fmt.Sprintf("eip adapter %s (vendor 0x%04X) on %s",
		e.cfg.Identity.ProductName, e.cfg.Identity.VendorID, e.cfg.Network.IPAddress)
}
