// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package frame implements the length-prefixed, CRC16-guarded framing used
// by the asockd and asockcat binaries on top of the socket engine. The core
// engine itself is framing-agnostic.
//
// Wire format of one frame: payload length as a big endian uint16, the
// payload, and a CRC16/CCITT checksum over the payload, again big endian.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/howeyc/crc16"
)

// MaxPayload bounds a frame's payload length.
const MaxPayload = 1<<16 - 1

var crc16table = crc16.MakeTable(crc16.CCITT)

// Encode wraps payload into a frame.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("frame: payload of %d bytes exceeds maximum", len(payload))
	}

	buf := make([]byte, 2+len(payload)+2)
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	binary.BigEndian.PutUint16(buf[2+len(payload):], crc16.Checksum(payload, crc16table))
	return buf, nil
}

// Decoder reassembles frames from a byte stream, tolerating arbitrary
// fragmentation.
type Decoder struct {
	buf []byte
}

// Push appends stream bytes to the Decoder.
func (dec *Decoder) Push(data []byte) {
	dec.buf = append(dec.buf, data...)
}

// Next returns the next complete frame's payload, nil if none is buffered,
// or an error for a checksum mismatch. After an error the Decoder is unusable
// since the stream's framing is gone.
func (dec *Decoder) Next() ([]byte, error) {
	if len(dec.buf) < 2 {
		return nil, nil
	}

	payloadLen := int(binary.BigEndian.Uint16(dec.buf))
	frameLen := 2 + payloadLen + 2
	if len(dec.buf) < frameLen {
		return nil, nil
	}

	payload := dec.buf[2 : 2+payloadLen]
	wireSum := binary.BigEndian.Uint16(dec.buf[2+payloadLen:])
	if calcSum := crc16.Checksum(payload, crc16table); calcSum != wireSum {
		return nil, fmt.Errorf("frame: CRC mismatch, calculated %#04x, wire carries %#04x",
			calcSum, wireSum)
	}

	out := append([]byte{}, payload...)
	dec.buf = dec.buf[frameLen:]
	return out, nil
}
