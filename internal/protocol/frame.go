package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType is the one-byte type code that follows the frame length.
type MessageType uint8

const (
	Failure             MessageType = 5
	Success             MessageType = 6
	RequestIdentities   MessageType = 11
	IdentitiesAnswer    MessageType = 12
	SignRequest         MessageType = 13
	SignResponse        MessageType = 14
	AddIdentity         MessageType = 17
	RemoveIdentity      MessageType = 18
	RemoveAllIdentities MessageType = 19
	Lock                MessageType = 22
	Unlock              MessageType = 23

	// Exchange carries a JSON encoded Message between vaultagent processes.
	Exchange MessageType = 69
)

func (t MessageType) String() string {
	switch t {
	case Failure:
		return "FAILURE"
	case Success:
		return "SUCCESS"
	case RequestIdentities:
		return "REQUEST_IDENTITIES"
	case IdentitiesAnswer:
		return "IDENTITIES_ANSWER"
	case SignRequest:
		return "SIGN_REQUEST"
	case SignResponse:
		return "SIGN_RESPONSE"
	case AddIdentity:
		return "ADD_IDENTITY"
	case RemoveIdentity:
		return "REMOVE_IDENTITY"
	case RemoveAllIdentities:
		return "REMOVE_ALL_IDENTITIES"
	case Lock:
		return "LOCK"
	case Unlock:
		return "UNLOCK"
	case Exchange:
		return "EXCHANGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	// HeaderSize is the length prefix plus the type byte.
	HeaderSize = 5

	// MaxFrameSize bounds the declared length of an incoming frame.
	MaxFrameSize = 256 * 1024
)

var (
	ErrFrameTooShort = errors.New("frame shorter than header")
	ErrFrameLength   = errors.New("frame length does not match declared length")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Frame is one length-prefixed message: length:u32be | type:u8 | payload.
// The length counts the type byte and the payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// FailureFrame is the generic SSH_AGENT_FAILURE reply.
var FailureFrame = Frame{Type: Failure}

// SuccessFrame is the generic SSH_AGENT_SUCCESS reply.
var SuccessFrame = Frame{Type: Success}

// Len returns the value written into the length prefix.
func (f Frame) Len() uint32 {
	return uint32(len(f.Payload) + 1)
}

// Encode serializes f including its length prefix.
func Encode(f Frame) []byte {
	buf := make([]byte, 0, HeaderSize+len(f.Payload))
	buf = binary.BigEndian.AppendUint32(buf, f.Len())
	buf = append(buf, byte(f.Type))
	return append(buf, f.Payload...)
}

// Decode parses a complete frame held in buf. Trailing bytes past the
// declared length are an error, as is a buffer shorter than the header.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrFrameTooShort
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if n == 0 {
		return Frame{}, ErrFrameTooShort
	}
	if int(n) != len(buf)-4 {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d", ErrFrameLength, n, len(buf)-4)
	}
	return Frame{Type: MessageType(buf[4]), Payload: buf[HeaderSize:]}, nil
}

// ReadFrame reads exactly one frame from r. A zero declared length yields
// ErrFrameTooShort with the stream still aligned on the next frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return Frame{}, ErrFrameTooShort
	}
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	buf := make([]byte, 4+n)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Decode(buf)
}

// WriteFrame writes f to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
