package connector

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/internal/book"
)

// Frame classifies a raw websocket frame before any decoding happens. Every
// adapter implements Classify as a pure function so the disambiguation logic
// is testable without a live socket.
type Frame int

const (
	FrameSnapshot Frame = iota
	FrameDelta
	FrameTicker
	FrameHeartbeat
	FrameControl
	FrameUnknown
)

func (f Frame) String() string {
	switch f {
	case FrameSnapshot:
		return "snapshot"
	case FrameDelta:
		return "delta"
	case FrameTicker:
		return "ticker"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameControl:
		return "control"
	}
	return "unknown"
}

// Sink is how an adapter feeds decoded data back into its connector. The
// connector owns the books, emits events and keeps the counters; adapters
// only translate wire frames.
type Sink interface {
	// ApplySnapshot replaces the book for a venue-spelled symbol wholesale.
	ApplySnapshot(venueSymbol string, bids, asks []book.Level, ts time.Time)
	// ApplyDeltas applies incremental level changes. A zero quantity removes
	// the level at that price.
	ApplyDeltas(venueSymbol string, bids, asks []book.Level, ts time.Time)
	// Ticker publishes a top-of-book update. The adapter fills venue symbol
	// spelling; the sink normalizes it.
	Ticker(venueSymbol string, bid, ask, last, volume decimal.Decimal, ts time.Time)
	// Desync discards the cached book for the symbol and awaits a fresh
	// snapshot. Used on crossed books, unknown channel ids and sequence gaps.
	Desync(venueSymbol, reason string)
	// DecodeError records a malformed frame without killing the connection.
	DecodeError(err error)
}

// Adapter implements one venue's wire protocol. Adapter instances own all
// per-connection protocol state (channel-id registries, auth tokens) and are
// reset on every reconnect.
type Adapter interface {
	// Name returns the lowercase venue identifier.
	Name() string
	// Endpoint resolves the websocket URL. Venues with an out-of-band auth
	// handshake (token minting) perform it here; the handshake retries
	// internally and independently of the reconnect state machine.
	Endpoint(ctx context.Context) (string, error)
	// SubscribeFrames builds the subscription payloads for the canonical
	// symbols this connector is configured with.
	SubscribeFrames(symbols []string) ([][]byte, error)
	// Classify tags a raw frame without decoding it fully.
	Classify(raw []byte) Frame
	// Handle decodes a data frame (snapshot, delta or ticker) into the sink.
	Handle(raw []byte, sink Sink) error
	// Control processes subscription acks and other control frames; this is
	// where channel-id registries are built.
	Control(raw []byte) error
	// HeartbeatReply returns the payload to answer a venue heartbeat with,
	// or ok=false when the frame only needs to be ignored.
	HeartbeatReply(raw []byte) (reply []byte, ok bool)
	// AppPing returns an application-level keepalive payload and interval;
	// ok=false when the venue relies on protocol-level ping/pong only.
	AppPing() (payload []byte, interval time.Duration, ok bool)
	// Reset clears all per-connection state before a new connection.
	Reset()
}

// resyncer is implemented by adapters that must re-seed books out of band
// (REST snapshot) after connecting or after a desync.
type resyncer interface {
	Resync(ctx context.Context, venueSymbol string, sink Sink) error
}

// baseAdapter provides no-op defaults for the optional protocol hooks so
// venue adapters only implement what their wire format needs.
type baseAdapter struct{}

func (baseAdapter) Control(raw []byte) error                { return nil }
func (baseAdapter) HeartbeatReply(raw []byte) ([]byte, bool) { return nil, false }
func (baseAdapter) AppPing() ([]byte, time.Duration, bool)   { return nil, 0, false }
func (baseAdapter) Reset()                                   {}
