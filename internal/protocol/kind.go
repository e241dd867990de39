// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package protocol

// Kind identifies the purpose of a Frame on the control link.
//
// DATA carries payload. Every other kind is terminal: once sent or received
// for a flow id, no further frames are produced for that id.
type Kind uint8

const (
	// KindData carries a chunk of a flow's byte stream.
	KindData Kind = iota + 1
	// KindConnectionRefused is sent by the Client when it could not dial the origin.
	KindConnectionRefused
	// KindDisconnected reports that the peer closed the flow abruptly.
	KindDisconnected
	// KindEOF reports that the sender's local socket returned EOF cleanly.
	KindEOF
	// KindReadFailure reports a generic local read fault.
	KindReadFailure
	// KindWriteFailure reports a generic local write fault.
	KindWriteFailure
	// KindIOFailure reports a generic local I/O fault that is neither a clean
	// read nor a clean write failure.
	KindIOFailure
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindConnectionRefused:
		return "CONNECTION_REFUSED"
	case KindDisconnected:
		return "DISCONNECTED"
	case KindEOF:
		return "EOF"
	case KindReadFailure:
		return "READ_FAILURE"
	case KindWriteFailure:
		return "WRITE_FAILURE"
	case KindIOFailure:
		return "IO_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether k ends the flow it is sent for.
func (k Kind) Terminal() bool {
	return k != KindData
}

func (k Kind) valid() bool {
	return k >= KindData && k <= KindIOFailure
}
