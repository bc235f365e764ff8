// sflink-bridge runs a framed link over a serial port and bridges it to
// Redis: payloads delivered by the link are published to one channel, and
// messages published to another are sent out over the link. Link counters
// are exported as Prometheus metrics.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"sflink/host/peer"
	"sflink/host/serial"
	"sflink/stats"
)

// Configuration flags
var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	listPorts    = flag.Bool("list-ports", false, "List available serial ports and exit")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	rxChannel    = flag.String("rx-channel", "sflink:rx", "Redis channel for payloads received from the link")
	txChannel    = flag.String("tx-channel", "sflink:tx", "Redis channel carrying payloads to send over the link")
	metricsAddr  = flag.String("metrics-addr", ":9144", "Prometheus metrics listen address")
	initiate     = flag.Bool("initiate", true, "Initiate the handshake instead of waiting for the peer")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *listPorts {
		ports, err := serial.List()
		if err != nil {
			log.Fatalf("Failed to enumerate serial ports: %v", err)
		}
		for _, port := range ports {
			log.Printf("  %s", port)
		}
		return
	}

	log.Printf("Starting sflink bridge")
	log.Printf("Serial device: %s", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)
	log.Printf("Redis address: %s", *redisAddr)

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: *redisPass,
		DB:       *redisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	cfg := serial.DefaultConfig(*serialDevice)
	cfg.Baud = *baudRate
	port, err := serial.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open serial port: %v", err)
	}

	p := peer.New(port, func(payload []byte) {
		if err := redisClient.Publish(ctx, *rxChannel, payload).Err(); err != nil {
			log.Printf("Failed to publish to %s: %v", *rxChannel, err)
		}
	}, nil)
	defer p.Close()

	collector := stats.NewLinkCollector("sflink")
	collector.Add(p)
	prometheus.MustRegister(collector)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	log.Printf("Metrics on %s/metrics", *metricsAddr)

	p.Start()
	if *initiate {
		p.Connect()
		if err := p.WaitConnected(5 * time.Second); err != nil {
			// Keep going; the retry timer re-sends the handshake until the
			// peer shows up.
			log.Printf("Warning: %v", err)
		} else {
			log.Printf("peer %s: link established", p.ID())
		}
	}

	pubsub := redisClient.Subscribe(ctx, *txChannel)
	defer pubsub.Close()
	go func() {
		for msg := range pubsub.Channel() {
			if err := p.Send([]byte(msg.Payload)); err != nil {
				log.Printf("Failed to send %d bytes over link: %v", len(msg.Payload), err)
			}
		}
	}()
	log.Printf("Bridging %s <-> %s", *txChannel, *rxChannel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
}
