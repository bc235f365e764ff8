package protocol

import (
	"errors"
	"log"
)

var (
	ErrNotConnected   = errors.New("link not connected")
	ErrPacketTooLarge = errors.New("packet too large for history slot")
)

// ConnectState is the connection phase of a Link.
type ConnectState int

const (
	Disconnected ConnectState = iota
	SentSyn0
	SentSyn1
	Connected
)

func (s ConnectState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case SentSyn0:
		return "SentSyn0"
	case SentSyn1:
		return "SentSyn1"
	case Connected:
		return "Connected"
	}
	return "???"
}

// ParseStatus classifies the outcome of feeding one byte to a Link.
type ParseStatus int

const (
	// MoreDataNeeded means the byte was consumed without producing a packet.
	MoreDataNeeded ParseStatus = iota

	// UserPacket means an in-order user payload is now in the receive
	// buffer, to be consumed before the next ParseByte call.
	UserPacket

	// AbortedPacket means an ESC SOF sequence cancelled the frame.
	AbortedPacket

	// PacketTooSmall means a frame closed with no room for a CRC.
	PacketTooSmall

	// CrcError means a frame closed but failed its CRC check.
	CrcError
)

// ParseResult is the outcome of one Link.ParseByte call.
type ParseResult struct {
	Status ParseStatus
	Crc    uint16 // received CRC when Status is CrcError
}

// Stats counts link events since the Link was created. All counters only
// ever increase.
type Stats struct {
	FramesReceived  uint64 // frames passing the CRC check
	FramesDelivered uint64 // in-order user payloads handed to the caller
	CrcErrors       uint64
	AbortedFrames   uint64
	ShortFrames     uint64
	NaksSent        uint64 // out-of-order USR answered with a NAK
	NaksReceived    uint64
	RtxIgnored      uint64 // out-of-order retransmissions dropped
	RetransmitsSent uint64 // RTX frames served from history
	ControlSent     uint64 // SYN/NAK/DIS frames emitted
	UserSent        uint64 // user frames emitted by WritePacket
}

// Link is the connection engine: it runs the SYN0/SYN1/SYN2 handshake,
// tracks send and receive sequence numbers, answers out-of-order traffic
// with NAKs and serves retransmissions from the history ring.
//
// A Link owns no buffers. Every call borrows the caller's Storage bundle for
// its duration only, so the engine allocates nothing after construction and
// the caller decides every capacity. Calls must be serialized; the engine is
// not re-entrant.
type Link struct {
	state  ConnectState
	rxSeq  byte
	txSeq  byte
	parser RawPacketParser
	stats  Stats

	// Log, when set, receives diagnostics for out-of-order traffic and
	// history misses. A nil Log keeps the engine silent.
	Log *log.Logger
}

// NewLink returns a disconnected Link.
func NewLink() *Link {
	return &Link{parser: NewRawPacketParser()}
}

// State returns the current connection phase.
func (l *Link) State() ConnectState {
	return l.state
}

// IsConnected reports whether the handshake has completed.
func (l *Link) IsConnected() bool {
	return l.state == Connected
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return l.stats
}

// Connect resets all session state, clears the transmit history and opens
// the handshake by sending SYN0.
func (l *Link) Connect(st Storage) {
	l.rxSeq = 0
	l.txSeq = 0
	l.state = Disconnected
	l.parser.ResetFrame()
	st.RxBuf().Reset()
	st.TxQueue().Clear()
	l.sendSyn(Syn0, st)
	l.state = SentSyn0
}

// Disconnect tells the peer the session is over and drops to Disconnected.
func (l *Link) Disconnect(st Storage) {
	l.sendSyn(SynDisconnect, st)
	l.state = Disconnected
}

// ResendHandshake re-emits the control frame for the current handshake
// phase. Callers drive this from a timer so a peer that missed SYN0 or SYN1
// (or never answered with SYN2) can still converge; it is a no-op outside
// the two intermediate phases.
func (l *Link) ResendHandshake(st Storage) {
	switch l.state {
	case SentSyn0:
		l.sendSyn(Syn0, st)
	case SentSyn1:
		l.sendSyn(Syn1, st)
	}
}

// ParseByte feeds one received byte through the framing parser and, when a
// frame completes, through the connection state machine. Responses (SYN
// steps, NAKs, retransmissions) are emitted synchronously through the
// storage's writer. On a UserPacket result the payload is in st.RxBuf() and
// must be consumed before the next call.
func (l *Link) ParseByte(b byte, st Storage) ParseResult {
	raw := l.parser.ParseByte(b, st.RxBuf())
	switch raw.Status {
	case RawPacketReceived:
		l.stats.FramesReceived++
		return l.handlePacket(ClassifyHeader(raw.Header), st)
	case RawAbortedPacket:
		l.stats.AbortedFrames++
		return ParseResult{Status: AbortedPacket}
	case RawPacketTooSmall:
		l.stats.ShortFrames++
		return ParseResult{Status: PacketTooSmall}
	case RawCrcError:
		l.stats.CrcErrors++
		return ParseResult{Status: CrcError, Crc: raw.Crc}
	}
	return ParseResult{Status: MoreDataNeeded}
}

// WritePacket sends a user payload, recording it in the transmit history so
// a NAK can be answered later. The link must be connected; a failed send
// leaves the sequence number and history untouched.
func (l *Link) WritePacket(data []byte, st Storage) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}

	header := Header(FrameUSR, l.txSeq)

	// History slots store the header ahead of the payload so the original
	// sequence number survives eviction reordering.
	slot := st.TxQueue().Next()
	if l.fillSlot(slot, header, data) != nil {
		slot.Reset()
		return ErrPacketTooLarge
	}

	if err := WritePacketData(st.TxWriter(), header, data); err != nil {
		slot.Reset()
		return err
	}
	l.stats.UserSent++
	l.txSeq = NextSeq(l.txSeq)
	return nil
}

func (l *Link) fillSlot(slot PacketBuffer, header byte, data []byte) error {
	if err := slot.Append(header); err != nil {
		return err
	}
	for _, b := range data {
		if err := slot.Append(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) handlePacket(pkt Packet, st Storage) ParseResult {
	switch pkt.Type {
	case PacketUser:
		return l.handleUserRtx(FrameUSR, pkt.Seq, st)

	case PacketRetransmit:
		return l.handleUserRtx(FrameRTX, pkt.Seq, st)

	case PacketNak:
		l.stats.NaksReceived++
		l.retransmitFrom(pkt.Seq, st)

	case PacketSyn0:
		// Peer is (re)opening a session: restart sequence numbers and
		// history no matter what state we were in.
		l.rxSeq = 0
		l.txSeq = 0
		st.TxQueue().Clear()
		l.state = SentSyn1
		l.sendSyn(Syn1, st)

	case PacketSyn1:
		if l.state == Disconnected {
			l.sendSyn(SynDisconnect, st)
			break
		}
		l.state = Connected
		l.sendSyn(Syn2, st)
		if l.txSeq != 0 {
			l.retransmitFrom(0, st)
		}

	case PacketSyn2:
		if l.state == Disconnected {
			l.sendSyn(SynDisconnect, st)
			break
		}
		if l.state == SentSyn0 {
			// Peer finished a handshake we never started; make it restart.
			l.sendSyn(Syn0, st)
			break
		}
		l.state = Connected
		if l.txSeq != 0 {
			l.retransmitFrom(0, st)
		}

	case PacketDisconnect:
		l.state = Disconnected

	case PacketInvalid:
		l.logf("dropping SYN frame with unknown kind")
	}
	return ParseResult{Status: MoreDataNeeded}
}

func (l *Link) handleUserRtx(ft FrameType, seq byte, st Storage) ParseResult {
	switch l.state {
	case Disconnected:
		l.sendSyn(SynDisconnect, st)
	case SentSyn0:
		l.sendSyn(Syn0, st)
	case SentSyn1:
		l.sendSyn(Syn1, st)
	case Connected:
		if seq != l.rxSeq {
			if ft == FrameUSR {
				l.logf("out of order frame seq=%d want=%d - sending NAK", seq, l.rxSeq)
				l.stats.NaksSent++
				l.sendControl(Header(FrameNAK, l.rxSeq), st)
			} else {
				l.logf("out of order retransmitted frame seq=%d want=%d - ignoring", seq, l.rxSeq)
				l.stats.RtxIgnored++
			}
			break
		}
		// Good user frame received and accepted. Deliver it.
		l.rxSeq = NextSeq(l.rxSeq)
		l.stats.FramesDelivered++
		return ParseResult{Status: UserPacket}
	}
	return ParseResult{Status: MoreDataNeeded}
}

// retransmitFrom replays, oldest first, every history entry whose sequence
// number lies in [seq, txSeq), as RTX frames carrying their original
// sequence numbers. Entries already evicted from the ring are skipped.
func (l *Link) retransmitFrom(seq byte, st Storage) {
	want := int((l.txSeq - seq) & SeqMask)
	if want == 0 {
		return
	}
	q := st.TxQueue()
	if want > q.Len() {
		l.logf("history holds %d of %d packets requested from seq %d", q.Len(), want, seq)
	}

	for off := q.Len() - 1; off >= 0; off-- {
		slot := q.Get(off)
		if slot == nil || slot.Len() == 0 {
			continue
		}
		data := slot.Data()
		hdr := data[0]
		s := hdr & SeqMask
		if int((s-seq)&SeqMask) >= want {
			continue
		}
		l.stats.RetransmitsSent++
		if err := WritePacketData(st.TxWriter(), Header(FrameRTX, s), data[1:]); err != nil {
			l.logf("retransmit of seq %d failed: %v", s, err)
		}
	}
}

func (l *Link) sendSyn(k SynKind, st Storage) {
	l.sendControl(Header(FrameSYN, byte(k)), st)
}

func (l *Link) sendControl(header byte, st Storage) {
	l.stats.ControlSent++
	if err := WritePacketData(st.TxWriter(), header, nil); err != nil {
		l.logf("control frame 0x%02x failed: %v", header, err)
	}
}

func (l *Link) logf(format string, args ...interface{}) {
	if l.Log != nil {
		l.Log.Printf(format, args...)
	}
}
