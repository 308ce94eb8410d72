// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

// writeRequest tracks one pending write, writev or write-chain operation that
// could not be completed immediately.
//
// The ops are owned by the request, bytes included: everything still unsent
// is copied in, so callers may reuse both their iovec slice and the buffers
// behind it right after submission. The head request of a socket's queue is
// the only one ever handed to the wire until it drained completely.
type writeRequest struct {
	next     *writeRequest
	callback WriteCallback

	ops     [][]byte
	opIndex int
	flags   WriteFlags

	bytesWritten int
}

func newWriteRequest(callback WriteCallback, ops [][]byte, flags WriteFlags) *writeRequest {
	req := &writeRequest{
		callback: callback,
		ops:      make([][]byte, len(ops)),
		flags:    flags,
	}

	// One backing buffer holds the copies of all pending byte ranges.
	total := 0
	for _, op := range ops {
		total += len(op)
	}
	buf := make([]byte, total)

	for i, op := range ops {
		n := copy(buf, op)
		req.ops[i] = buf[:n:n]
		buf = buf[n:]
	}

	return req
}

// currentOps returns the not yet fully written operations.
func (req *writeRequest) currentOps() [][]byte {
	return req.ops[req.opIndex:]
}

// consume advances the progress cursors after a partial write: wholeOps
// operations were written completely, followed by partialBytes bytes of the
// next one; totalBytesWritten is the overall amount this round.
//
// A request whose operations all drained is popped by the write loop instead
// of being consumed.
func (req *writeRequest) consume(wholeOps, partialBytes, totalBytesWritten int) {
	req.opIndex += wholeOps

	currentOp := req.ops[req.opIndex]
	req.ops[req.opIndex] = currentOp[partialBytes:]

	req.bytesWritten += totalBytesWritten
}

// append links another request after this one.
func (req *writeRequest) append(next *writeRequest) {
	req.next = next
}
