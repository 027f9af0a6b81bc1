// Package flowcontrol implements the per-stream and per-connection
// send/receive byte-credit windows of §4.3 "Flow control".
package flowcontrol

import "github.com/jetstreamproto/jsp/internal/protocol"

// DefaultStreamWindow is the receive window a freshly opened stream
// advertises (§4.3).
const DefaultStreamWindow protocol.ByteCount = 256 * 1024

// FlowController tracks send credit granted by the peer and consumed
// receive credit on one side of a window, at either stream or
// connection scope.
type FlowController struct {
	sendWindow protocol.ByteCount
	bytesSent  protocol.ByteCount

	receiveWindow protocol.ByteCount
	bytesRead     protocol.ByteCount
	lastUpdateAt  protocol.ByteCount // bytesRead value at last window-update emission
}

// New builds a controller with the given receive window and the send
// credit the peer's matching default window implies. Both sides open
// with the same documented defaults, so data can flow before the first
// window-update round trip; peer updates only ever grow the window from
// there.
func New(receiveWindow, initialSendWindow protocol.ByteCount) *FlowController {
	return &FlowController{receiveWindow: receiveWindow, sendWindow: initialSendWindow}
}

// SendCredit is the number of bytes still permitted to be sent.
func (f *FlowController) SendCredit() protocol.ByteCount {
	if f.bytesSent > f.sendWindow {
		return 0
	}
	return f.sendWindow - f.bytesSent
}

// AddBytesSent debits send credit.
func (f *FlowController) AddBytesSent(n protocol.ByteCount) { f.bytesSent += n }

// UpdateSendWindow applies a peer-advertised absolute window, returning
// whether it actually grew (windows are monotonic, per typical QUIC-style
// flow control: a stale update never shrinks credit already granted).
func (f *FlowController) UpdateSendWindow(newWindow protocol.ByteCount) bool {
	if newWindow > f.sendWindow {
		f.sendWindow = newWindow
		return true
	}
	return false
}

// AddBytesRead records delivered bytes for receive-side accounting.
func (f *FlowController) AddBytesRead(n protocol.ByteCount) { f.bytesRead += n }

// ConsumedCredit is how much of the receive window has been used since
// the last window-update.
func (f *FlowController) ConsumedCredit() protocol.ByteCount { return f.bytesRead - f.lastUpdateAt }

// ShouldEmitWindowUpdate reports whether consumed credit exceeds half
// the window, the threshold from §4.3.
func (f *FlowController) ShouldEmitWindowUpdate() bool {
	return f.ConsumedCredit() > f.receiveWindow/2
}

// WindowUpdate returns the new absolute receive offset to advertise and
// marks the update as emitted.
func (f *FlowController) WindowUpdate() protocol.ByteCount {
	f.lastUpdateAt = f.bytesRead
	return f.bytesRead + f.receiveWindow
}

// ReceiveWindow returns the configured receive window size.
func (f *FlowController) ReceiveWindow() protocol.ByteCount { return f.receiveWindow }
