package relay

import (
	"sync/atomic"

	"github.com/pion/transport/v3/packetio"
)

// queueFrameOverhead is the per-message length prefix packetio stores
// alongside each payload. It counts against the queue's byte budget.
const queueFrameOverhead = 2

// packetioMaxBytes is the largest buffer packetio will grow to.
const packetioMaxBytes = 4 << 20

// messageQueue is a byte-bounded FIFO of whole messages.
//
// It buffers upstream datagrams for the WebSocket writer so the UDP read loop
// never blocks on a slow client. Messages that do not fit are dropped.
type messageQueue struct {
	buf     *packetio.Buffer
	scratch []byte
	closed  atomic.Bool

	drops  atomic.Uint64
	onDrop func()
}

// newMessageQueue returns a queue holding at most maxBytes, counting
// queueFrameOverhead per message. maxMessageBytes bounds a single message.
func newMessageQueue(maxBytes, maxMessageBytes int, onDrop func()) *messageQueue {
	if maxBytes > packetioMaxBytes {
		maxBytes = packetioMaxBytes
	}
	buf := packetio.NewBuffer()
	buf.SetLimitSize(maxBytes)
	return &messageQueue{
		buf:     buf,
		scratch: make([]byte, maxMessageBytes),
		onDrop:  onDrop,
	}
}

func (q *messageQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue copies msg into the queue if it fits within the byte budget. It
// never blocks.
func (q *messageQueue) Enqueue(msg []byte) bool {
	if len(msg) <= len(q.scratch) {
		if _, err := q.buf.Write(msg); err == nil {
			return true
		}
	}
	q.drops.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
	return false
}

// Dequeue blocks until a message is available or the queue is closed. It is
// not safe for concurrent use.
func (q *messageQueue) Dequeue() ([]byte, bool) {
	n, err := q.buf.Read(q.scratch)
	if err != nil || q.closed.Load() {
		return nil, false
	}
	msg := make([]byte, n)
	copy(msg, q.scratch[:n])
	return msg, true
}

// Close wakes the reader. Messages still queued are not delivered.
func (q *messageQueue) Close() {
	q.closed.Store(true)
	_ = q.buf.Close()
}
