package mqtt

import "log"

// bufferedMsg is a publish that could not be sent because the broker
// connection was down.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer keeps the most recent messages published while offline.
// When full, the oldest message is dropped. Callers synchronize access.
type ringBuffer struct {
	slots   []bufferedMsg
	next    int // slot for the next push
	count   int
	dropped int // messages lost since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{slots: make([]bufferedMsg, capacity)}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	size := len(r.slots)
	if r.count == size {
		if r.dropped == 0 {
			log.Printf("mqtt: offline buffer full (%d messages), dropping oldest", size)
		}
		r.dropped++
	} else {
		r.count++
	}
	r.slots[r.next] = msg
	r.next = (r.next + 1) % size
}

// drainAll returns the buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}
	size := len(r.slots)
	out := make([]bufferedMsg, 0, r.count)
	for i := r.next - r.count; i < r.next; i++ {
		out = append(out, r.slots[(i+size)%size])
	}
	if r.dropped > 0 {
		log.Printf("mqtt: %d buffered messages were dropped while offline", r.dropped)
	}
	*r = ringBuffer{slots: r.slots}
	return out
}

func (r *ringBuffer) len() int {
	return r.count
}
