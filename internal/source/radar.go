// Package source turns capture hardware endpoints into frame channels:
// a UDP listener for the radar capture card and ZMQ PULL sockets for the
// camera and pose streams, plus simulators for all three.
package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"vomee-capture-go/internal/frame"
)

// Stats is a point-in-time snapshot of one source's counters.
type Stats struct {
	Produced uint64 `json:"produced"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
}

const packetHeaderLen = 10

// packet is one capture-card datagram: a little-endian int32 packet
// counter, a 6-byte little-endian cumulative payload byte count, then
// the raw ADC payload.
type packet struct {
	num       uint32
	byteCount uint64
	payload   []byte
}

func parsePacket(data []byte) (packet, error) {
	if len(data) <= packetHeaderLen {
		return packet{}, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	var count [8]byte
	copy(count[:6], data[4:10])
	return packet{
		num:       binary.LittleEndian.Uint32(data[:4]),
		byteCount: binary.LittleEndian.Uint64(count[:]),
		payload:   data[packetHeaderLen:],
	}, nil
}

// assembler reassembles the capture card's byte stream into fixed-size
// ADC cubes. The cumulative byte count gives every packet's absolute
// stream position, so after a packet loss it realigns at the next frame
// boundary instead of emitting a torn cube.
type assembler struct {
	adc        frame.AdcParams
	frameBytes int
	buf        []byte
	nextPkt    uint32
	pos        uint64 // stream offset of the next expected byte
	synced     bool
	gaps       uint64
}

func newAssembler(adc frame.AdcParams) *assembler {
	return &assembler{
		adc:        adc,
		frameBytes: adc.FrameBytes(),
		buf:        make([]byte, 0, adc.FrameBytes()),
	}
}

// feed consumes one packet and returns the cubes it completed. now is
// the capture timestamp assigned to frames completed by this packet.
func (a *assembler) feed(pkt packet, now float64) []frame.RawAdcFrame {
	if a.synced && (pkt.num != a.nextPkt || pkt.byteCount != a.pos) {
		a.gaps++
		a.synced = false
	}
	a.nextPkt = pkt.num + 1

	payload := pkt.payload
	if !a.synced {
		// Discard the partial cube and skip to the next frame boundary.
		a.buf = a.buf[:0]
		a.pos = pkt.byteCount
		if off := int(a.pos % uint64(a.frameBytes)); off != 0 {
			skip := a.frameBytes - off
			if skip >= len(payload) {
				a.pos += uint64(len(payload))
				return nil
			}
			payload = payload[skip:]
			a.pos += uint64(skip)
		}
		a.synced = true
	}

	var frames []frame.RawAdcFrame
	for len(payload) > 0 {
		n := a.frameBytes - len(a.buf)
		if n > len(payload) {
			n = len(payload)
		}
		a.buf = append(a.buf, payload[:n]...)
		payload = payload[n:]
		a.pos += uint64(n)

		if len(a.buf) == a.frameBytes {
			seq := a.pos/uint64(a.frameBytes) - 1
			data := make([]int16, a.frameBytes/2)
			for i := range data {
				data[i] = int16(binary.LittleEndian.Uint16(a.buf[i*2:]))
			}
			frames = append(frames, frame.RawAdcFrame{Seq: seq, Timestamp: now, Data: data})
			a.buf = a.buf[:0]
		}
	}
	return frames
}

// RadarUDP listens for capture-card datagrams and emits assembled ADC
// cubes.
type RadarUDP struct {
	addr string
	adc  frame.AdcParams

	produced atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

func NewRadarUDP(addr string, adc frame.AdcParams) *RadarUDP {
	return &RadarUDP{addr: addr, adc: adc}
}

func (r *RadarUDP) Stats() Stats {
	return Stats{
		Produced: r.produced.Load(),
		Dropped:  r.dropped.Load(),
		Rejected: r.rejected.Load(),
	}
}

// Run binds the listen address and streams assembled cubes until ctx is
// cancelled. Timestamps are wall-clock seconds at cube completion and
// never decrease.
func (r *RadarUDP) Run(ctx context.Context) (<-chan frame.RawAdcFrame, error) {
	conn, err := net.ListenPacket("udp", r.addr)
	if err != nil {
		return nil, err
	}

	out := make(chan frame.RawAdcFrame, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()

		asm := newAssembler(r.adc)
		buf := make([]byte, 4096)
		lastTs := 0.0
		lastGaps := uint64(0)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				log.Printf("radar source: read error: %v", err)
				continue
			}
			pkt, err := parsePacket(buf[:n])
			if err != nil {
				r.rejected.Add(1)
				continue
			}

			now := float64(time.Now().UnixNano()) / 1e9
			if now < lastTs {
				now = lastTs
			}
			lastTs = now

			frames := asm.feed(pkt, now)
			if asm.gaps != lastGaps {
				r.dropped.Add(asm.gaps - lastGaps)
				lastGaps = asm.gaps
				log.Printf("radar source: %v, resyncing at next frame boundary", frame.ErrPacketSequenceGap)
			}
			for _, f := range frames {
				select {
				case <-ctx.Done():
					return
				case out <- f:
					r.produced.Add(1)
				}
			}
		}
	}()

	return out, nil
}
