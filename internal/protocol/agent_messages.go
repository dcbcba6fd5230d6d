package protocol

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Signature flags carried in SIGN_REQUEST.
const (
	SignatureFlagRSASHA256 uint32 = 2
	SignatureFlagRSASHA512 uint32 = 4
)

var ErrMalformedPayload = errors.New("malformed agent payload")

// Identity is one entry of an IDENTITIES_ANSWER.
type Identity struct {
	Blob    []byte
	Comment string
}

// SignRequestBody is the payload of SIGN_REQUEST.
type SignRequestBody struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

func MarshalIdentities(ids []Identity) Frame {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(uint32(len(ids)))
	for _, id := range ids {
		addString(b, id.Blob)
		addString(b, []byte(id.Comment))
	}
	return Frame{Type: IdentitiesAnswer, Payload: b.BytesOrPanic()}
}

func ParseIdentities(f Frame) ([]Identity, error) {
	if f.Type != IdentitiesAnswer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedPayload, IdentitiesAnswer, f.Type)
	}
	s := cryptobyte.String(f.Payload)
	var n uint32
	if !s.ReadUint32(&n) {
		return nil, fmt.Errorf("%w: missing identity count", ErrMalformedPayload)
	}
	ids := make([]Identity, 0, min(n, 1024))
	for i := uint32(0); i < n; i++ {
		var blob, comment cryptobyte.String
		if !s.ReadUint32LengthPrefixed(&blob) || !s.ReadUint32LengthPrefixed(&comment) {
			return nil, fmt.Errorf("%w: truncated identity %d", ErrMalformedPayload, i)
		}
		ids = append(ids, Identity{Blob: append([]byte(nil), blob...), Comment: string(comment)})
	}
	return ids, nil
}

func MarshalSignRequest(req SignRequestBody) Frame {
	b := cryptobyte.NewBuilder(nil)
	addString(b, req.KeyBlob)
	addString(b, req.Data)
	b.AddUint32(req.Flags)
	return Frame{Type: SignRequest, Payload: b.BytesOrPanic()}
}

// ParseSignRequest decodes key blob, data and flags. A request without the
// trailing flags word is accepted with flags 0.
func ParseSignRequest(f Frame) (SignRequestBody, error) {
	s := cryptobyte.String(f.Payload)
	var blob, data cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&blob) {
		return SignRequestBody{}, fmt.Errorf("%w: key blob", ErrMalformedPayload)
	}
	if !s.ReadUint32LengthPrefixed(&data) {
		return SignRequestBody{}, fmt.Errorf("%w: data", ErrMalformedPayload)
	}
	req := SignRequestBody{
		KeyBlob: append([]byte(nil), blob...),
		Data:    append([]byte(nil), data...),
	}
	if !s.Empty() && !s.ReadUint32(&req.Flags) {
		return SignRequestBody{}, fmt.Errorf("%w: flags", ErrMalformedPayload)
	}
	return req, nil
}

func MarshalSignResponse(sig []byte) Frame {
	b := cryptobyte.NewBuilder(nil)
	addString(b, sig)
	return Frame{Type: SignResponse, Payload: b.BytesOrPanic()}
}

func ParseSignResponse(f Frame) ([]byte, error) {
	if f.Type != SignResponse {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedPayload, SignResponse, f.Type)
	}
	s := cryptobyte.String(f.Payload)
	var sig cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&sig) {
		return nil, fmt.Errorf("%w: signature", ErrMalformedPayload)
	}
	return append([]byte(nil), sig...), nil
}

func addString(b *cryptobyte.Builder, v []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}
