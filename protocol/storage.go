package protocol

// Storage bundles the caller-owned resources the engine borrows for the
// duration of each call: the receive buffer, the outbound writer and the
// transmit history. The engine keeps no reference to any of them between
// calls.
type Storage interface {
	// RxBuf returns the buffer the in-flight receive frame accumulates into.
	RxBuf() PacketBuffer

	// TxWriter returns the writer outbound frames are emitted through.
	TxWriter() PacketWriter

	// TxQueue returns the transmit history ring.
	TxQueue() PacketQueue
}

// LinkStorage is the packaged Storage implementation: a static receive
// buffer, a ring of history slots and a caller-supplied writer.
type LinkStorage struct {
	rx    *StaticBuffer
	w     PacketWriter
	queue *RingQueue
}

// NewLinkStorage allocates storage for packets up to packetSize bytes with
// historySlots retransmission slots, emitting frames through w. History
// slots reserve one extra byte to hold the packet's header alongside its
// payload.
func NewLinkStorage(packetSize, historySlots int, w PacketWriter) *LinkStorage {
	return &LinkStorage{
		rx:    NewStaticBuffer(packetSize),
		w:     w,
		queue: NewRingQueue(historySlots, packetSize+1),
	}
}

func (s *LinkStorage) RxBuf() PacketBuffer {
	return s.rx
}

func (s *LinkStorage) TxWriter() PacketWriter {
	return s.w
}

func (s *LinkStorage) TxQueue() PacketQueue {
	return s.queue
}
