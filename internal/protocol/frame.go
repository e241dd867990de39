// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package protocol implements the control-link wire format: a length-prefixed
// header followed by an optional payload.
//
// Wire format (big-endian, length-prefixed):
//
//	u32 header_len        // length of the encoded header that follows
//	header[header_len]:
//	    u8  version       // 1
//	    u8  kind
//	    u64 flow_id
//	    u32 payload_len
//	payload[payload_len]  // present iff kind == DATA
//
// The leading header_len exists so the header may be evolved later; a Codec
// rejects any header_len exceeding its configured cap and only parses the
// fields it knows about, discarding the rest. This is the one, most general
// shape among the several header revisions the original implementation went
// through (u16 vs u32 payload length, presence of a message id): u32 payload
// length, no message id.
package protocol

import (
	"encoding/binary"
	"io"
)

// Frame is one unit carried on the control link.
type Frame struct {
	Version byte
	Kind    Kind
	FlowID  uint64
	Payload []byte
}

// Codec encodes and decodes Frames against the wire format above.
type Codec struct {
	maxHeaderLen int
	maxPayload   int
}

// NewCodec builds a Codec, applying opts over the package defaults.
func NewCodec(opts ...Option) *Codec {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	return &Codec{maxHeaderLen: o.MaxHeaderLen, maxPayload: o.MaxPayload}
}

// Encode writes f to w as a single frame.
//
// The entire frame (length prefix, header, payload) is assembled into one
// buffer and issued as one Write call, looping only on short writes. This is
// what lets a control link treat "one goroutine calls Encode at a time" as
// sufficient for frame-boundary atomicity: the wire never sees a partial
// frame interleaved with another frame's bytes.
func (c *Codec) Encode(w io.Writer, f Frame) error {
	if !f.Kind.valid() {
		return ErrInvalidKind
	}
	if f.Kind != KindData && len(f.Payload) != 0 {
		return ErrNonZeroControlPayload
	}
	if len(f.Payload) > c.maxPayload {
		return ErrPayloadTooLarge
	}

	buf := make([]byte, 4+knownHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(knownHeaderLen))
	buf[4] = f.Version
	buf[5] = byte(f.Kind)
	binary.BigEndian.PutUint64(buf[6:14], f.FlowID)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(f.Payload)))
	copy(buf[18:], f.Payload)

	return writeFull(w, buf)
}

// Decode reads one frame from r.
//
// It reads exactly 4+header_len+payload_len bytes. It returns the bare
// io.EOF only when the stream ends cleanly before any byte of a new frame is
// read; any other premature termination is reported as ErrUnexpectedEOF.
func (c *Codec) Decode(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, ErrUnexpectedEOF
	}
	headerLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if headerLen > c.maxHeaderLen {
		return Frame{}, ErrHeaderTooLarge
	}
	if headerLen < knownHeaderLen {
		return Frame{}, ErrUnexpectedEOF
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, ErrUnexpectedEOF
	}

	version := header[0]
	kind := Kind(header[1])
	flowID := binary.BigEndian.Uint64(header[2:10])
	payloadLen := binary.BigEndian.Uint32(header[10:14])

	if version != Version1 {
		return Frame{}, ErrInvalidVersion
	}
	if !kind.valid() {
		return Frame{}, ErrInvalidKind
	}
	if int(payloadLen) > c.maxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	if kind != KindData && payloadLen != 0 {
		return Frame{}, ErrNonZeroControlPayload
	}

	f := Frame{Version: version, Kind: kind, FlowID: flowID}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, ErrUnexpectedEOF
		}
	}
	return f, nil
}

// writeFull loops until all of p has been written or an error occurs,
// retrying short writes the same way the teacher library's writeOnce/
// writeStream retry-until-progress loop does (internal.go); a Write that
// makes no progress is reported as io.ErrShortWrite.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
