package cliprdr

import "context"

// Peer is the protocol-layer surface the bridge drives. Implementations
// send the corresponding PDUs to the remote side of the clipboard channel.
type Peer interface {
	// CanLockClipData reports whether the remote advertised
	// CB_CAN_LOCK_CLIPDATA, i.e. whether generations can be pinned.
	CanLockClipData() bool

	// LockClipData sends a Lock Clipboard Data PDU and waits for the
	// acknowledgement.
	LockClipData(ctx context.Context, clipDataID uint32) error

	// UnlockClipData sends an Unlock Clipboard Data PDU.
	UnlockClipData(ctx context.Context, clipDataID uint32) error

	// RequestFileContents sends a File Contents Request PDU. It must not
	// block waiting for the response: the answer arrives later through
	// the bridge's OnResponse entry point, tagged with req.StreamID.
	RequestFileContents(ctx context.Context, req ContentsRequest) error
}

// ResponseSink receives File Contents Response PDUs.
type ResponseSink interface {
	OnResponse(resp ContentsResponse)
}
