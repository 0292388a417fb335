package sip

import (
	"context"
)

// Transport is the message sending seam between the transaction core and the
// wire. Implementations must be safe for concurrent use.
type Transport interface {
	// Proto returns the transport protocol name.
	Proto() TransportProto
	// Reliable reports whether the transport guarantees delivery.
	// Retransmit timers are not armed on reliable transports.
	Reliable() bool
	// SendRequest sends the request towards the resolved target.
	SendRequest(ctx context.Context, req *Request, opts *SendRequestOptions) error
	// SendResponse sends the response back to the request source.
	SendResponse(ctx context.Context, res *Response, opts *SendResponseOptions) error
}

// SendRequestOptions customizes outbound request delivery.
type SendRequestOptions struct {
	// Target overrides the destination address resolved from the request URI.
	Target Addr
}

// SendResponseOptions customizes outbound response delivery.
type SendResponseOptions struct {
	// Target overrides the destination address resolved from the top Via.
	Target Addr
}

// IsReliableTransport reports whether the transport is reliable,
// treating nil as unreliable.
func IsReliableTransport(tp Transport) bool {
	return tp != nil && tp.Reliable()
}
