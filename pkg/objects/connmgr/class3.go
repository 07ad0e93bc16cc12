package connmgr

import (
	"go.uber.org/zap"

	"github.com/eipstack/adapter/pkg/cip"
	"github.com/eipstack/adapter/pkg/eip"
)

// class3Handler carries the explicit-messaging connection behaviors. Class-3
// traffic flows synchronously through the encapsulation session, so the data
// path functions are not used by the tick loop.
type class3Handler struct {
	m *Manager
}

// establishClass3 opens an explicit messaging connection attached to the
// current encapsulation session. The path validation (message router,
// instance 1) already happened during connection-path parsing.
func (m *Manager) establishClass3(request *Connection) error {
	var slot *Connection
	for i := range m.class3Pool {
		if m.class3Pool[i].State == StateNonExistent {
			slot = &m.class3Pool[i]
			break
		}
	}
	if slot == nil {
		return connFailure(ExtStatusNoMoreConnections)
	}

	*slot = *request
	c := slot
	c.handler = &class3Handler{m: m}
	c.InstanceType = TypeExplicitMessaging

	m.generalConfiguration(c)
	// explicit connections keep the EIP default watchdog action
	c.WatchdogAction = WatchdogAutoDelete

	m.addActive(c)
	m.logger.Debug("class-3 connection established",
		zap.Uint32("consumed_id", c.ConsumedConnectionID),
		zap.Uint32("session", uint32(c.Session)))
	return nil
}

func (h *class3Handler) Close(c *Connection) {
	h.m.closeConnection(c)
}

func (h *class3Handler) Timeout(c *Connection) {
	h.m.metrics.WatchdogTimeouts.Inc()
	h.m.logger.Warn("class-3 connection timed out",
		zap.Uint32("consumed_id", c.ConsumedConnectionID))
	h.Close(c)
}

func (h *class3Handler) SendData(c *Connection) error { return nil }

func (h *class3Handler) ReceiveData(c *Connection, data []byte) {}

// ConnectedMessage dispatches a class-3 explicit request addressed by its
// consumed connection id; called from the encapsulation layer for
// SendUnitData.
func (m *Manager) ConnectedMessage(connectionID uint32, sequence uint16, data []byte, session eip.SessionHandle) (replyID uint32, resp []byte, ok bool) {
	var c *Connection
	for _, e := range m.active {
		if e.State == StateEstablished && e.TransportClass() == 3 &&
			e.ConsumedConnectionID == connectionID {
			c = e
			break
		}
	}
	if c == nil || c.Session != session {
		m.logger.Debug("connected message for unknown connection",
			zap.Uint32("connection", connectionID))
		return 0, nil, false
	}

	c.ResetInactivityWatchdog()

	req, err := cip.DecodeMessageRouterRequest(data)
	if err != nil {
		return 0, nil, false
	}
	m.BeginExplicit(c.OriginatorAddr, session, nil)
	mrResp := m.router.Dispatch(req)
	return c.ProducedConnectionID, mrResp.Encode(), true
}

// SessionClosed tears down every class-3 connection attached to the session;
// called on UnregisterSession and on TCP peer close.
func (m *Manager) SessionClosed(session eip.SessionHandle) {
	for _, c := range m.snapshotActive() {
		if c.TransportClass() == 3 && c.Session == session {
			c.handler.Close(c)
		}
	}
}
