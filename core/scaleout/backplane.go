package scaleout

import "context"

// Backplane is the driver contract for the transport shared by all nodes.
// A driver owns StreamCount ordered streams. Every payload sent to a stream
// is delivered to every attached node, including the sender, in the order
// the backplane assigned ids.
type Backplane interface {
	StreamCount() int

	// Send publishes one encoded payload to a stream.
	Send(ctx context.Context, streamIndex int, payload []byte) error

	// Start begins delivering payloads to r. Drivers call r from at most one
	// goroutine per stream. Start returns once receiving is set up.
	Start(ctx context.Context, r Receiver) error

	Close() error
}

// Receiver is implemented by the scale-out bus and called by drivers.
type Receiver interface {
	// OnReceived hands over a payload. Ids must increase per stream; a
	// repeated or smaller id is treated as a backplane reset.
	OnReceived(streamIndex int, payloadID uint64, payload *Payload)

	// Open reports that the stream is connected and sends can flow.
	Open(streamIndex int)

	// OnError reports a stream failure. Sends to the stream fail until Open.
	OnError(streamIndex int, err error)
}
