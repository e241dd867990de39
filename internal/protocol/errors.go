// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package protocol

import "errors"

var (
	// ErrInvalidVersion reports a frame whose version byte is not the one this
	// codec understands. Fatal to the control link.
	ErrInvalidVersion = errors.New("protocol: invalid version")

	// ErrInvalidKind reports a frame whose kind byte is not a known Kind. Fatal
	// to the control link.
	ErrInvalidKind = errors.New("protocol: invalid kind")

	// ErrPayloadTooLarge reports a payload_len exceeding the codec's configured
	// maximum. Fatal to the control link.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrHeaderTooLarge reports a header_len exceeding the codec's configured
	// cap. Fatal to the control link.
	ErrHeaderTooLarge = errors.New("protocol: header too large")

	// ErrUnexpectedEOF reports a stream that ended in the middle of a frame.
	// Fatal to the control link.
	ErrUnexpectedEOF = errors.New("protocol: unexpected eof mid-frame")

	// ErrNonZeroControlPayload reports a non-DATA frame carrying a nonzero
	// payload, which violates the wire format.
	ErrNonZeroControlPayload = errors.New("protocol: non-data frame with nonzero payload")
)
