// Package relay publishes a virtual camera's frames as RTP over UDP so
// off-box consumers can watch a feed without attaching to the session
// directly. A companion RTCP socket collects receiver reports.
package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"camshare/internal/hal"
)

const (
	defaultPayloadType = 96
	defaultClockRate   = 90000
	defaultMTU         = 1200
)

// Source is the slice of a virtual camera the publisher consumes.
type Source interface {
	ID() string
	NextFrame(ctx context.Context) (hal.Buffer, error)
	Done(buf hal.Buffer)
}

type Config struct {
	// Destination is the host:port RTP packets are sent to. RTCP is
	// received on the publisher's own RTP source port.
	Destination string
	PayloadType uint8
	ClockRate   uint32
	// MTU bounds the RTP payload size; frames larger than this are
	// split across packets with the marker bit set on the last one.
	MTU int
}

// Stats is a snapshot of the publisher's send and receive counters.
type Stats struct {
	PacketsSent  uint64
	BytesSent    uint64
	FramesSent   uint64
	ReportsHeard uint64
	FractionLost uint8
}

type Publisher struct {
	source Source
	conn   *net.UDPConn
	ssrc   uint32

	payloadType uint8
	clockRate   uint32
	mtu         int

	mu    sync.Mutex
	seq   uint16
	stats Stats
}

// New resolves the destination and binds the RTP socket. The SSRC is
// drawn from a fresh UUID so republished cameras never collide.
func New(source Source, cfg Config) (*Publisher, error) {
	if cfg.PayloadType == 0 {
		cfg.PayloadType = defaultPayloadType
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = defaultClockRate
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve relay destination %s: %w", cfg.Destination, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay socket: %w", err)
	}

	id := uuid.New()
	return &Publisher{
		source:      source,
		conn:        conn,
		ssrc:        binary.BigEndian.Uint32(id[:4]),
		payloadType: cfg.PayloadType,
		clockRate:   cfg.ClockRate,
		mtu:         cfg.MTU,
	}, nil
}

// SSRC reports the synchronization source carried in every packet.
func (p *Publisher) SSRC() uint32 { return p.ssrc }

// Describe builds the SDP document a consumer needs to receive the feed.
func (p *Publisher) Describe() ([]byte, error) {
	description := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(p.ssrc),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: sdp.SessionName(p.source.ID()),
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{fmt.Sprintf("%d", p.payloadType)},
				},
			},
		},
	}
	return description.Marshal()
}

// Run forwards frames until ctx is cancelled or the source fails.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.conn.Close()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return p.sendLoop(ctx)
	})
	grp.Go(func() error {
		p.rtcpLoop(ctx)
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		p.conn.SetReadDeadline(time.Now())
		return nil
	})
	return grp.Wait()
}

func (p *Publisher) sendLoop(ctx context.Context) error {
	for {
		buf, err := p.source.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay for %s lost its source: %w", p.source.ID(), err)
		}

		packets := p.packetize(buf)
		for _, packet := range packets {
			payload, err := packet.Marshal()
			if err != nil {
				log.WithError(err).Warn("failed to marshal RTP packet")
				continue
			}
			if _, err := p.conn.Write(payload); err != nil {
				p.source.Done(buf)
				return fmt.Errorf("relay write failed: %w", err)
			}
			p.mu.Lock()
			p.stats.PacketsSent++
			p.stats.BytesSent += uint64(len(payload))
			p.mu.Unlock()
		}
		p.mu.Lock()
		p.stats.FramesSent++
		p.mu.Unlock()
		p.source.Done(buf)
	}
}

// packetize splits one frame across MTU-sized RTP packets. The RTP
// timestamp is the frame's capture time scaled to the media clock, so
// every packet of a frame shares it.
func (p *Publisher) packetize(buf hal.Buffer) []*rtp.Packet {
	timestamp := uint32(uint64(buf.Timestamp.UnixNano()) * uint64(p.clockRate) / uint64(time.Second))

	data := buf.Data
	if len(data) == 0 {
		data = []byte{0}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var packets []*rtp.Packet
	for offset := 0; offset < len(data); offset += p.mtu {
		end := offset + p.mtu
		if end > len(data) {
			end = len(data)
		}
		p.seq++
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         end == len(data),
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: data[offset:end],
		})
	}
	return packets
}

// rtcpLoop reads receiver reports arriving on the RTP socket and folds
// loss figures into the stats snapshot.
func (p *Publisher) rtcpLoop(ctx context.Context) {
	payload := make([]byte, 1500)
	for ctx.Err() == nil {
		n, err := p.conn.Read(payload)
		if err != nil {
			return
		}
		p.handleRTCP(payload[:n])
	}
}

func (p *Publisher) handleRTCP(payload []byte) {
	packets, err := rtcp.Unmarshal(payload)
	if err != nil {
		log.WithError(err).Debug("discarding malformed RTCP")
		return
	}
	for _, packet := range packets {
		report, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		p.mu.Lock()
		p.stats.ReportsHeard++
		for _, block := range report.Reports {
			if block.SSRC == p.ssrc {
				p.stats.FractionLost = block.FractionLost
			}
		}
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
