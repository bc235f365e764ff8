// Package peer manages one end of a framed link over a byte-stream
// transport: it runs the read loop, drives the handshake until it converges
// and hands delivered payloads to the application.
package peer

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/rs/xid"

	"sflink/protocol"
)

// Handler receives each in-order user payload. The slice is owned by the
// handler; the peer never reuses it.
type Handler func(payload []byte)

// Config holds peer tuning knobs.
type Config struct {
	// PacketSize is the largest payload carried in one frame.
	PacketSize int

	// HistorySlots is the number of sent packets kept for retransmission.
	HistorySlots int

	// HandshakeRetry is how often an unanswered handshake step is resent.
	HandshakeRetry time.Duration

	// Log receives peer diagnostics; nil uses the default logger.
	Log *log.Logger
}

// DefaultConfig returns the standard peer configuration.
func DefaultConfig() *Config {
	return &Config{
		PacketSize:     256,
		HistorySlots:   8,
		HandshakeRetry: 500 * time.Millisecond,
	}
}

// Peer is one end of a link. All protocol state lives behind a mutex so the
// read loop, the handshake timer and Send callers can share the
// single-threaded engine.
type Peer struct {
	id      xid.ID
	conn    io.ReadWriteCloser
	handler Handler
	log     *log.Logger
	retry   time.Duration

	mu   sync.Mutex
	link *protocol.Link
	st   *protocol.LinkStorage

	connected chan struct{}
	connOnce  sync.Once

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// New creates a peer over conn. Delivered payloads go to handler, which is
// called from the read loop; a nil cfg uses DefaultConfig. Call Start to
// begin reading and Connect to initiate the handshake.
func New(conn io.ReadWriteCloser, handler Handler, cfg *Config) *Peer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.Default()
	}

	// Worst case on the wire: every byte escaped, plus framing and CRC.
	wireSize := 2*(cfg.PacketSize+3) + 2
	writer := protocol.NewStreamWriter(conn, wireSize)

	p := &Peer{
		id:        xid.New(),
		conn:      conn,
		handler:   handler,
		log:       logger,
		retry:     cfg.HandshakeRetry,
		link:      protocol.NewLink(),
		st:        protocol.NewLinkStorage(cfg.PacketSize, cfg.HistorySlots, writer),
		connected: make(chan struct{}),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	p.link.Log = logger
	return p
}

// ID returns the session identifier, used as the metrics label and in logs.
func (p *Peer) ID() string {
	return p.id.String()
}

// Start launches the read loop and the handshake retry timer.
func (p *Peer) Start() {
	go p.readLoop()
	go p.handshakeLoop()
}

// Connect initiates the three-way handshake. The retry timer keeps
// re-sending SYN0 until the peer answers; use WaitConnected to block until
// the handshake converges.
func (p *Peer) Connect() {
	p.mu.Lock()
	p.link.Connect(p.st)
	p.mu.Unlock()
}

// IsConnected reports whether the handshake has completed.
func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link.IsConnected()
}

// WaitConnected blocks until the handshake converges or the timeout passes.
func (p *Peer) WaitConnected(timeout time.Duration) error {
	select {
	case <-p.connected:
		return nil
	case <-p.stopChan:
		return fmt.Errorf("peer %s stopped", p.ID())
	case <-time.After(timeout):
		return fmt.Errorf("peer %s: no handshake after %v", p.ID(), timeout)
	}
}

// Send transmits one user payload over the link.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link.WritePacket(data, p.st)
}

// Stats returns a snapshot of the link counters.
func (p *Peer) Stats() protocol.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link.Stats()
}

// Close tells the peer we are leaving, stops the loops and closes the
// transport.
func (p *Peer) Close() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		if p.link.IsConnected() {
			p.link.Disconnect(p.st)
		}
		p.mu.Unlock()
		close(p.stopChan)
		p.conn.Close()
	})
	<-p.doneChan
	return nil
}

func (p *Peer) readLoop() {
	defer close(p.doneChan)

	buf := make([]byte, 256)
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		n, err := p.conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				p.log.Printf("peer %s: transport closed", p.ID())
				return
			}
			select {
			case <-p.stopChan:
				return
			default:
			}
			// Any error other than EOF gets a short pause before the
			// next read.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		delivered := p.processBytes(buf[:n])
		for _, payload := range delivered {
			p.handler(payload)
		}
	}
}

// processBytes runs received bytes through the engine and collects the
// payloads to deliver, so the handler runs outside the lock.
func (p *Peer) processBytes(data []byte) [][]byte {
	var delivered [][]byte

	p.mu.Lock()
	for _, b := range data {
		res := p.link.ParseByte(b, p.st)
		switch res.Status {
		case protocol.UserPacket:
			payload := make([]byte, p.st.RxBuf().Len())
			copy(payload, p.st.RxBuf().Data())
			delivered = append(delivered, payload)
		case protocol.CrcError:
			p.log.Printf("peer %s: CRC error, received 0x%04X", p.ID(), res.Crc)
		case protocol.AbortedPacket:
			p.log.Printf("peer %s: frame aborted by sender", p.ID())
		}
	}
	isConnected := p.link.IsConnected()
	p.mu.Unlock()

	if isConnected {
		p.connOnce.Do(func() { close(p.connected) })
	}
	return delivered
}

func (p *Peer) handshakeLoop() {
	ticker := time.NewTicker(p.retry)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.mu.Lock()
			if !p.link.IsConnected() {
				p.link.ResendHandshake(p.st)
			}
			p.mu.Unlock()
		}
	}
}
