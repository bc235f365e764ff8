package protocol

// PacketType is the decoded form of a validated header byte.
type PacketType int

const (
	PacketInvalid PacketType = iota
	PacketUser
	PacketRetransmit
	PacketNak
	PacketSyn0
	PacketSyn1
	PacketSyn2
	PacketDisconnect
)

func (t PacketType) String() string {
	switch t {
	case PacketUser:
		return "USR"
	case PacketRetransmit:
		return "RTX"
	case PacketNak:
		return "NAK"
	case PacketSyn0:
		return "SYN0"
	case PacketSyn1:
		return "SYN1"
	case PacketSyn2:
		return "SYN2"
	case PacketDisconnect:
		return "DIS"
	}
	return "invalid"
}

// Packet is a classified header. Seq is meaningful for the USR, RTX and NAK
// types.
type Packet struct {
	Type PacketType
	Seq  byte
}

// ClassifyHeader decodes a header byte into its packet variant. A SYN frame
// whose sequence field is not a known SynKind classifies as PacketInvalid.
func ClassifyHeader(header byte) Packet {
	seq := header & SeqMask
	switch FrameType(header & TypeMask) {
	case FrameUSR:
		return Packet{Type: PacketUser, Seq: seq}
	case FrameRTX:
		return Packet{Type: PacketRetransmit, Seq: seq}
	case FrameNAK:
		return Packet{Type: PacketNak, Seq: seq}
	case FrameSYN:
		switch SynKind(seq) {
		case Syn0:
			return Packet{Type: PacketSyn0}
		case Syn1:
			return Packet{Type: PacketSyn1}
		case Syn2:
			return Packet{Type: PacketSyn2}
		case SynDisconnect:
			return Packet{Type: PacketDisconnect}
		}
	}
	return Packet{Type: PacketInvalid}
}
