// sflink-echo is a TCP demonstration harness for the framed link protocol.
// In server mode it accepts connections and echoes every delivered payload
// back over the link; in client mode it connects, performs the handshake and
// sends a message.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sflink/host/peer"
)

var (
	listenAddr  = flag.String("listen", "", "Listen for peers on this TCP address (server mode)")
	connectAddr = flag.String("connect", "", "Connect to a peer at this TCP address (client mode)")
	message     = flag.String("message", "Testing", "Message to send once connected (client mode)")
	count       = flag.Int("count", 3, "How many times to send the message (client mode)")
	verbose     = flag.Bool("verbose", false, "Enable verbose output")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	switch {
	case *listenAddr != "":
		runServer(*listenAddr)
	case *connectAddr != "":
		runClient(*connectAddr)
	default:
		log.Fatal("Specify either -listen or -connect")
	}
}

func runServer(addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}
	log.Printf("Server listening on %s ...", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("Accept error: %v", err)
			continue
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	log.Printf("Client connected from %s", conn.RemoteAddr())

	var p *peer.Peer
	p = peer.New(conn, func(payload []byte) {
		if *verbose {
			log.Printf("peer %s: echoing %q", p.ID(), payload)
		}
		if err := p.Send(payload); err != nil {
			log.Printf("peer %s: echo failed: %v", p.ID(), err)
		}
	}, nil)

	p.Start()
	log.Printf("peer %s: serving %s", p.ID(), conn.RemoteAddr())
}

func runClient(addr string) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}

	received := make(chan []byte, 16)
	p := peer.New(conn, func(payload []byte) { received <- payload }, nil)
	p.Start()

	p.Connect()
	if err := p.WaitConnected(5 * time.Second); err != nil {
		log.Fatalf("Handshake failed: %v", err)
	}
	log.Printf("peer %s: connected to %s", p.ID(), addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for i := 0; i < *count; i++ {
		if err := p.Send([]byte(*message)); err != nil {
			log.Fatalf("Send failed: %v", err)
		}
		select {
		case reply := <-received:
			log.Printf("Reply %d: %q", i+1, reply)
		case <-time.After(5 * time.Second):
			log.Fatalf("No reply to message %d", i+1)
		case <-sigCh:
			log.Printf("Interrupted")
			p.Close()
			return
		}
	}

	stats := p.Stats()
	log.Printf("Sent %d frames, delivered %d, CRC errors %d",
		stats.UserSent, stats.FramesDelivered, stats.CrcErrors)
	p.Close()
}
