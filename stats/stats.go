// Package stats exports link counters as Prometheus metrics.
package stats

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"sflink/protocol"
)

// Source is anything that can report link counters, typically a peer.
type Source interface {
	// ID identifies the link; it becomes the metric's "link" label.
	ID() string

	// Stats returns a snapshot of the link counters.
	Stats() protocol.Stats
}

type info struct {
	desc  *prometheus.Desc
	value func(s protocol.Stats) uint64
}

// LinkCollector is a prometheus.Collector reporting the counters of every
// registered link.
type LinkCollector struct {
	mu      sync.Mutex
	sources map[string]Source
	infos   []info
}

// NewLinkCollector creates a collector whose metric names start with prefix
// (e.g. "sflink" yields sflink_frames_received_total).
func NewLinkCollector(prefix string) *LinkCollector {
	labels := []string{"link"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, labels, nil)
	}

	return &LinkCollector{
		sources: make(map[string]Source),
		infos: []info{
			{desc("frames_received_total", "Frames that passed the CRC check."),
				func(s protocol.Stats) uint64 { return s.FramesReceived }},
			{desc("frames_delivered_total", "In-order user payloads delivered to the application."),
				func(s protocol.Stats) uint64 { return s.FramesDelivered }},
			{desc("crc_errors_total", "Frames dropped because the CRC check failed."),
				func(s protocol.Stats) uint64 { return s.CrcErrors }},
			{desc("aborted_frames_total", "Frames cancelled by the sender with an ESC SOF sequence."),
				func(s protocol.Stats) uint64 { return s.AbortedFrames }},
			{desc("short_frames_total", "Frames dropped because they closed with no room for a CRC."),
				func(s protocol.Stats) uint64 { return s.ShortFrames }},
			{desc("naks_sent_total", "Out-of-order user frames answered with a NAK."),
				func(s protocol.Stats) uint64 { return s.NaksSent }},
			{desc("naks_received_total", "NAK frames received from the peer."),
				func(s protocol.Stats) uint64 { return s.NaksReceived }},
			{desc("rtx_ignored_total", "Stale retransmissions dropped without a response."),
				func(s protocol.Stats) uint64 { return s.RtxIgnored }},
			{desc("retransmits_sent_total", "Frames replayed from the transmit history."),
				func(s protocol.Stats) uint64 { return s.RetransmitsSent }},
			{desc("control_frames_sent_total", "SYN, NAK and DIS frames emitted."),
				func(s protocol.Stats) uint64 { return s.ControlSent }},
			{desc("user_frames_sent_total", "User frames emitted by the application."),
				func(s protocol.Stats) uint64 { return s.UserSent }},
		},
	}
}

// Add registers a link with the collector.
func (c *LinkCollector) Add(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[src.ID()] = src
}

// Remove unregisters a link.
func (c *LinkCollector) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, id)
}

func (c *LinkCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.desc
	}
}

func (c *LinkCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, src := range c.sources {
		stats := src.Stats()
		for _, info := range c.infos {
			metrics <- prometheus.MustNewConstMetric(
				info.desc, prometheus.CounterValue, float64(info.value(stats)), id)
		}
	}
}
