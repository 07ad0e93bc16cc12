package connmgr

import (
	"go.uber.org/zap"

	"github.com/eipstack/adapter/pkg/sockets"
)

// ManageConnections walks the active list once per timer tick: it ages the
// inactivity watchdogs, fires timeouts and triggers cyclic production.
func (m *Manager) ManageConnections(elapsedMs int64) {
	for _, c := range m.snapshotActive() {
		if c.State == StateTimedOut {
			c.LastPackageWatchdogTimer -= elapsedMs
			if c.LastPackageWatchdogTimer <= 0 && c.WatchdogAction != WatchdogAutoReset {
				c.handler.Close(c)
			}
			continue
		}
		if c.State != StateEstablished {
			continue
		}

		// consuming connections and all server connections maintain an
		// inactivity watchdog
		if c.IsConsuming() || c.IsServer() {
			c.InactivityWatchdogTimer -= elapsedMs
			if c.InactivityWatchdogTimer <= 0 {
				c.handler.Timeout(c)
			}
		}

		// the timeout above may have torn the connection down
		if c.State != StateEstablished {
			continue
		}

		if c.ExpectedPacketRate == 0 || c.ProducingSocket == sockets.InvalidHandle {
			continue
		}

		if !c.IsCyclic() && c.ProductionInhibitTimer >= 0 {
			c.ProductionInhibitTimer -= elapsedMs
		}

		c.TransmissionTriggerTimer -= elapsedMs
		if c.TransmissionTriggerTimer > 0 {
			continue
		}
		if !c.IsCyclic() && c.ProductionInhibitTimer > 0 {
			continue
		}

		if err := c.handler.SendData(c); err != nil {
			// a failed send aborts production for this tick only
			m.logger.Error("producing UDP data failed", zap.Error(err))
		}
		c.TransmissionTriggerTimer = c.ExpectedPacketRate
		if !c.IsCyclic() {
			c.ProductionInhibitTimer = c.ProductionInhibitTime
		}
	}
}
