// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package protocol

const (
	// Version1 is the only wire version this codec understands.
	Version1 byte = 1

	// knownHeaderLen is the number of header bytes this codec encodes and
	// interprets: version(1) + kind(1) + flow_id(8) + payload_len(4).
	knownHeaderLen = 1 + 1 + 8 + 4

	// DefaultMaxHeaderLen bounds header_len on decode. It is larger than
	// knownHeaderLen to leave room for a future header revision to add fields
	// without breaking this decoder, which only reads the first knownHeaderLen
	// bytes and discards the rest.
	DefaultMaxHeaderLen = 64

	// DefaultMaxPayload bounds payload_len on both encode and decode.
	DefaultMaxPayload = 8 * 1024

	// DefaultSendQueue is the default depth of a control link's outbound
	// writer queue.
	DefaultSendQueue = 256

	// DefaultFlowQueue is the default depth of a single flow's inbound queue.
	DefaultFlowQueue = 32
)

// Options configures a Codec.
type Options struct {
	MaxHeaderLen int
	MaxPayload   int
}

var defaultOptions = Options{
	MaxHeaderLen: DefaultMaxHeaderLen,
	MaxPayload:   DefaultMaxPayload,
}

// Option configures a Codec at construction time.
type Option func(*Options)

// WithMaxHeaderLen caps the header_len a Decode call will accept.
func WithMaxHeaderLen(n int) Option {
	return func(o *Options) { o.MaxHeaderLen = n }
}

// WithMaxPayload caps payload_len on both Encode and Decode.
func WithMaxPayload(n int) Option {
	return func(o *Options) { o.MaxPayload = n }
}
