// Package protocol defines the length-prefixed frame format spoken between
// the jw CLI and the node daemon, and the JSON control messages carried in
// control frames.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame types. Control frames carry JSON requests and responses; data
// frames carry raw bytes.
const (
	FrameControl byte   = 0x00
	FrameData    byte   = 0x01
	MaxPayload   uint32 = 16 * 1024 * 1024 // 16 MB
)

// ErrFrameTooLarge is returned for frames whose length exceeds MaxPayload.
var ErrFrameTooLarge = errors.New("frame payload too large")

// Frame is one unit on the wire: [type:u8][length:u32 BE][payload].
type Frame struct {
	Type    byte
	Payload []byte
}

// ReadFrame reads a single frame from the reader.
// Returns (nil, nil) on clean EOF during the header read.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	frameType := header[0]
	if frameType != FrameControl && frameType != FrameData {
		return nil, fmt.Errorf("unknown frame type: 0x%02x", frameType)
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return &Frame{Type: frameType, Payload: payload}, nil
}

// WriteFrame writes a single frame to the writer.
func WriteFrame(w io.Writer, f *Frame) error {
	if uint64(len(f.Payload)) > uint64(MaxPayload) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	buf := make([]byte, 5+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Payload)))
	copy(buf[5:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ControlFrame marshals v as the payload of a control frame.
func ControlFrame(v any) (*Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameControl, Payload: data}, nil
}
