package flowcontrol

import "github.com/jetstreamproto/jsp/internal/protocol"

// ConnFlowController is the connection-level window that bounds the sum
// of every stream's send-window credit (§3 invariant 5).
type ConnFlowController struct {
	FlowController
	grantedToStreams protocol.ByteCount
}

// NewConnFlowController builds the connection-level controller. The
// peer opens with the same default connection budget, so the send side
// is seeded symmetrically.
func NewConnFlowController(window protocol.ByteCount) *ConnFlowController {
	return &ConnFlowController{FlowController: *New(window, window)}
}

// CanGrant reports whether granting amount more receive credit to a
// stream would keep the sum within the connection-level budget.
func (c *ConnFlowController) CanGrant(amount protocol.ByteCount) bool {
	return c.grantedToStreams+amount <= c.receiveWindow
}

// Grant records amount as newly granted to some stream.
func (c *ConnFlowController) Grant(amount protocol.ByteCount) { c.grantedToStreams += amount }

// Release returns amount to the pool, e.g. when a stream closes.
func (c *ConnFlowController) Release(amount protocol.ByteCount) {
	if amount > c.grantedToStreams {
		c.grantedToStreams = 0
		return
	}
	c.grantedToStreams -= amount
}
