package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Delimiter separates routing identities from the signed message frames.
var Delimiter = []byte("<IDS|MSG>")

var (
	ErrMalformedMessage  = errors.New("malformed kernel message")
	ErrInvalidSignature  = errors.New("invalid message signature")
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
)

// number of frames after the delimiter: signature + four JSON frames.
const signedFrames = 5

var emptyObject = []byte("{}")

// Encode serializes msg into
// [<IDS|MSG>, signature, header, parent_header, metadata, content, buffers...].
func Encode(msg *Message, signer *Signer) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	parent := emptyObject
	if msg.ParentHeader != nil {
		if parent, err = json.Marshal(msg.ParentHeader); err != nil {
			return nil, fmt.Errorf("encoding parent header: %w", err)
		}
	}
	metadata, err := marshalObject(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	content, err := marshalObject(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}

	frames := make([][]byte, 0, 1+signedFrames+len(msg.Buffers))
	frames = append(frames,
		Delimiter,
		[]byte(signer.Sign(header, parent, metadata, content)),
		header, parent, metadata, content,
	)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses a frame set received from a kernel socket. Routing
// identities before the delimiter are ignored. The signature is checked
// before any JSON is parsed.
func Decode(frames [][]byte, signer *Signer) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, Delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing %s delimiter", ErrMalformedMessage, Delimiter)
	}
	rest := frames[idx+1:]
	if len(rest) < signedFrames {
		return nil, fmt.Errorf("%w: expected at least %d frames after delimiter, got %d",
			ErrMalformedMessage, signedFrames, len(rest))
	}

	signature := rest[0]
	if err := signer.Verify(signature, rest[1], rest[2], rest[3], rest[4]); err != nil {
		return nil, err
	}

	msg := &Message{}
	if err := json.Unmarshal(rest[1], &msg.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedMessage, err)
	}
	var parent Header
	if err := json.Unmarshal(rest[2], &parent); err != nil {
		return nil, fmt.Errorf("%w: parent header: %v", ErrMalformedMessage, err)
	}
	if parent.MsgID != "" {
		msg.ParentHeader = &parent
	}
	var err error
	if msg.Metadata, err = unmarshalObject(rest[3]); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformedMessage, err)
	}
	if msg.Content, err = unmarshalObject(rest[4]); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrMalformedMessage, err)
	}
	if extra := rest[signedFrames:]; len(extra) > 0 {
		msg.Buffers = make([][]byte, len(extra))
		for i, b := range extra {
			msg.Buffers[i] = make([]byte, len(b))
			copy(msg.Buffers[i], b)
		}
	}
	return msg, nil
}

func marshalObject(m map[string]any) ([]byte, error) {
	if m == nil {
		return emptyObject, nil
	}
	return json.Marshal(m)
}

func unmarshalObject(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
