// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"bytes"
	"testing"
)

func TestWriteRequestConsume(t *testing.T) {
	ops := [][]byte{
		bytes.Repeat([]byte{'a'}, 8),
		bytes.Repeat([]byte{'b'}, 8),
		bytes.Repeat([]byte{'c'}, 8),
	}

	req := newWriteRequest(nil, ops, WriteNone)
	if len(req.currentOps()) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(req.currentOps()))
	}

	// One whole op plus four bytes of the second one.
	req.consume(1, 4, 12)

	current := req.currentOps()
	if len(current) != 2 {
		t.Fatalf("expected 2 remaining ops, got %d", len(current))
	}
	if len(current[0]) != 4 || current[0][0] != 'b' {
		t.Errorf("unexpected head op after consume: %q", current[0])
	}
	if req.bytesWritten != 12 {
		t.Errorf("expected 12 bytes written, got %d", req.bytesWritten)
	}

	// No progress at all must leave everything untouched.
	req.consume(0, 0, 0)
	if len(req.currentOps()) != 2 || len(req.currentOps()[0]) != 4 {
		t.Error("no-progress consume altered the request")
	}

	// The rest of the second op plus four bytes of the third one.
	req.consume(1, 4, 8)
	current = req.currentOps()
	if len(current) != 1 || len(current[0]) != 4 || current[0][0] != 'c' {
		t.Errorf("unexpected state after second consume: %v", current)
	}
	if req.bytesWritten != 20 {
		t.Errorf("expected 20 bytes written, got %d", req.bytesWritten)
	}
}

func TestWriteRequestOwnsOps(t *testing.T) {
	backing := []byte("hello world")
	ops := [][]byte{backing[:5], backing[6:]}
	req := newWriteRequest(nil, ops, WriteNone)

	// Callers may reuse their iovec slice after submission ...
	ops[0] = []byte("overwritten")
	ops[1] = nil

	// ... and, more importantly, the buffers behind it.
	for i := range backing {
		backing[i] = 'X'
	}

	current := req.currentOps()
	if !bytes.Equal(current[0], []byte("hello")) || !bytes.Equal(current[1], []byte("world")) {
		t.Errorf("writeRequest does not own its bytes: %q %q", current[0], current[1])
	}
}

func TestWriteRequestAppend(t *testing.T) {
	first := newWriteRequest(nil, [][]byte{[]byte("a")}, WriteNone)
	second := newWriteRequest(nil, [][]byte{[]byte("b")}, WriteCork)

	first.append(second)
	if first.next != second || second.next != nil {
		t.Error("append did not link the requests")
	}
	if !second.flags.isSet(WriteCork) {
		t.Error("flags lost on construction")
	}
}
