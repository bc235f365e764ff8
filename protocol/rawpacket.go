package protocol

// Byte-fed parser for the raw framing layer. It strips SOF delimiters and
// escape sequences, accumulates the frame into a caller-supplied buffer and
// checks the CRC when the closing SOF arrives.

type escapeState int

const (
	escNormal escapeState = iota
	escEscaping
)

type frameState int

const (
	frameNew frameState = iota
	frameCollecting
)

// RawParseStatus classifies the outcome of feeding one byte to the parser.
type RawParseStatus int

const (
	// RawMoreDataNeeded means the byte was consumed without completing a frame.
	RawMoreDataNeeded RawParseStatus = iota

	// RawPacketReceived means a frame passed its CRC check; the payload is in
	// the receive buffer and the header is in RawParseResult.Header.
	RawPacketReceived

	// RawAbortedPacket means an ESC SOF sequence cancelled the frame.
	RawAbortedPacket

	// RawPacketTooSmall means the frame closed with no room for a CRC.
	RawPacketTooSmall

	// RawCrcError means the frame closed but failed its CRC check;
	// RawParseResult.Crc holds the CRC received on the wire.
	RawCrcError
)

func (s RawParseStatus) String() string {
	switch s {
	case RawMoreDataNeeded:
		return "MoreDataNeeded"
	case RawPacketReceived:
		return "PacketReceived"
	case RawAbortedPacket:
		return "AbortedPacket"
	case RawPacketTooSmall:
		return "PacketTooSmall"
	case RawCrcError:
		return "CrcError"
	}
	return "???"
}

// RawParseResult is the outcome of one ParseByte call.
type RawParseResult struct {
	Status RawParseStatus
	Header byte   // valid when Status is RawPacketReceived
	Crc    uint16 // valid when Status is RawCrcError
}

// RawPacketParser accumulates bytes into frames. The payload is stored in
// the PacketBuffer handed to each ParseByte call, so the parser itself holds
// no packet data.
type RawPacketParser struct {
	header      byte
	crc         Crc
	escapeState escapeState
	frameState  frameState
}

// NewRawPacketParser returns a parser ready for the first byte of a frame.
func NewRawPacketParser() RawPacketParser {
	return RawPacketParser{crc: NewCrc()}
}

// Header returns the header byte of the frame being collected.
func (p *RawPacketParser) Header() byte {
	return p.header
}

// ParseByte feeds one byte into the parser. Once a complete frame has been
// parsed a RawPacketReceived result is returned and the payload sits in
// rx, valid until the next ParseByte call.
func (p *RawPacketParser) ParseByte(b byte, rx PacketBuffer) RawParseResult {
	if p.escapeState == escEscaping {
		p.escapeState = escNormal
		if b == SOF {
			// ESC SOF aborts the frame in progress.
			p.frameState = frameNew
			p.Reset()
			rx.Reset()
			return RawParseResult{Status: RawAbortedPacket}
		}
		b ^= EscFlip
	} else if b == SOF {
		if p.frameState == frameCollecting {
			p.frameState = frameNew

			if rx.Len() < 2 {
				return RawParseResult{Status: RawPacketTooSmall}
			}

			rcvd := rx.RemoveCrc()
			if p.crc.Value() != CrcGood {
				return RawParseResult{Status: RawCrcError, Crc: rcvd}
			}

			return RawParseResult{Status: RawPacketReceived, Header: p.header}
		}
		// A SOF in the New state is a no-op, so back-to-back frames can
		// share a delimiter.
		return RawParseResult{Status: RawMoreDataNeeded}
	} else if b == ESC {
		p.escapeState = escEscaping
		return RawParseResult{Status: RawMoreDataNeeded}
	}

	if p.frameState == frameNew {
		// First byte of a new frame is the header; everything after it
		// accumulates into the receive buffer.
		p.Reset()
		rx.Reset()
		p.header = b
		p.frameState = frameCollecting
	} else if rx.Append(b) != nil {
		// Payload outgrew the buffer, so the closing SOF was corrupted or
		// the stream is bad. Reset and resynchronize on the next valid frame.
		p.Reset()
		rx.Reset()
	}
	p.crc.Accum(b)
	return RawParseResult{Status: RawMoreDataNeeded}
}

// Reset clears the CRC and escape state. The frame state is left alone; a
// full restart also needs ResetFrame.
func (p *RawPacketParser) Reset() {
	p.crc.Reset()
	p.escapeState = escNormal
}

// ResetFrame returns the parser to the New state, dropping any frame in
// progress.
func (p *RawPacketParser) ResetFrame() {
	p.Reset()
	p.frameState = frameNew
}
