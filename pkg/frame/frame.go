// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package frame defines the bus frame value type and the wire packet codec
// used on the virtual bus transport.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the wire packet header: 4 bytes id,
	// 1 byte declared payload length, 3 reserved bytes.
	HeaderSize = 8

	// MaxPayload is the largest payload a declared-length byte can address
	// within a 255-byte packet.
	MaxPayload = 255 - HeaderSize
)

var (
	// ErrTooShort is returned when a packet is smaller than the header.
	ErrTooShort = errors.New("packet too short")

	// ErrLengthMismatch is returned when the declared length exceeds the
	// available payload bytes.
	ErrLengthMismatch = errors.New("declared length exceeds payload")
)

// Frame is an immutable id + payload value passed between the backend,
// the bridge engine, and the virtual bus transport.
type Frame struct {
	ID   uint32
	Data []byte
}

// String renders the frame for log output.
func (f Frame) String() string {
	return fmt.Sprintf("{id: %#x, data: %v}", f.ID, f.Data)
}

// Marshal encodes a frame into a wire packet: little-endian id, declared
// length, reserved bytes, payload. No padding is added; peers that pad
// (e.g. fixed-size CAN carriers) are handled on the decode side.
func Marshal(f Frame) []byte {
	pkt := make([]byte, HeaderSize+len(f.Data))
	binary.LittleEndian.PutUint32(pkt[0:4], f.ID)
	pkt[4] = byte(len(f.Data))
	copy(pkt[HeaderSize:], f.Data)
	return pkt
}

// Unmarshal decodes a wire packet into a frame.
//
// The declared length byte governs how much of the trailing bytes is
// payload: shorter declarations truncate the padded remainder, longer
// declarations over a non-empty remainder are an error. A packet with no
// payload bytes at all is accepted regardless of the declared length;
// such zero-length frames carry signaling meaning (e.g. "request update")
// that is assigned by the role layer, not here.
func Unmarshal(pkt []byte) (Frame, error) {
	if len(pkt) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: only %d bytes", ErrTooShort, len(pkt))
	}

	id := binary.LittleEndian.Uint32(pkt[0:4])
	declared := int(pkt[4])
	payload := pkt[HeaderSize:]

	switch {
	case declared < len(payload):
		payload = payload[:declared]
	case len(payload) != 0 && declared > len(payload):
		return Frame{}, fmt.Errorf("%w: declared %d, available %d", ErrLengthMismatch, declared, len(payload))
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	return Frame{ID: id, Data: data}, nil
}
