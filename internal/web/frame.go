package web

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrProtocol is returned for a bad handshake or a malformed frame.
	ErrProtocol = errors.New("protocol error")
	// ErrConnectionClosed is returned when the peer hung up or sent a close frame.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMessageTooLarge is a protocol error for messages over the size limit.
	ErrMessageTooLarge = fmt.Errorf("%w: message too large", ErrProtocol)
)

// Frame opcodes.
const (
	opContinuation byte = 0x0
	opText         byte = 0x1
	opBinary       byte = 0x2
	opClose        byte = 0x8
	opPing         byte = 0x9
	opPong         byte = 0xA
)

// Close status codes.
const (
	closeNormal        = 1000
	closeGoingAway     = 1001
	closeProtocolError = 1002
	closeMessageTooBig = 1009
)

const (
	maxControlPayload = 125
	maxServerHeader   = 10 // unmasked, 64-bit length
)

type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

func isControl(op byte) bool {
	return op&0x8 != 0
}

// parseFrame decodes the client frame at the front of buf. Client frames
// must be masked. n is 0 while buf does not hold a complete frame yet.
func parseFrame(buf []byte, maxPayload int) (f frame, n int, err error) {
	if len(buf) < 2 {
		return frame{}, 0, nil
	}
	f = frame{fin: buf[0]&0x80 != 0, opcode: buf[0] & 0x0F}
	if buf[0]&0x70 != 0 {
		return frame{}, 0, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	if buf[1]&0x80 == 0 {
		return frame{}, 0, fmt.Errorf("%w: unmasked client frame", ErrProtocol)
	}

	length := uint64(buf[1] & 0x7F)
	off := 2
	switch length {
	case 126:
		if len(buf) < 4 {
			return frame{}, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[2:4]))
		off = 4
	case 127:
		if len(buf) < 10 {
			return frame{}, 0, nil
		}
		length = binary.BigEndian.Uint64(buf[2:10])
		off = 10
	}

	if isControl(f.opcode) && (length > maxControlPayload || !f.fin) {
		return frame{}, 0, fmt.Errorf("%w: bad control frame", ErrProtocol)
	}
	if length > uint64(maxPayload) {
		return frame{}, 0, ErrMessageTooLarge
	}
	if uint64(len(buf)-off) < 4+length {
		return frame{}, 0, nil
	}

	key := buf[off : off+4]
	off += 4
	f.payload = make([]byte, length)
	for i := range f.payload {
		f.payload[i] = buf[off+i] ^ key[i%4]
	}
	return f, off + int(length), nil
}

// appendFrame encodes a final, unmasked server frame.
func appendFrame(dst []byte, op byte, payload []byte) []byte {
	dst = append(dst, 0x80|op)
	switch n := len(payload); {
	case n <= 125:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

func closePayload(code int) []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(code))
}
