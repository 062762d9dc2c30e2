package source

import (
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"vomee-capture-go/internal/cborarray"
	"vomee-capture-go/internal/frame"
)

func makePacket(num uint32, byteCount uint64, payload []byte) packet {
	data := make([]byte, packetHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(data[:4], num)
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], byteCount)
	copy(data[4:10], count[:6])
	copy(data[10:], payload)

	pkt, err := parsePacket(data)
	if err != nil {
		panic(err)
	}
	return pkt
}

func TestParsePacket(t *testing.T) {
	pkt := makePacket(7, 0x0102030405, []byte{9, 8, 7})
	if pkt.num != 7 {
		t.Fatalf("packet num: %d", pkt.num)
	}
	if pkt.byteCount != 0x0102030405 {
		t.Fatalf("byte count: %#x", pkt.byteCount)
	}
	if len(pkt.payload) != 3 || pkt.payload[0] != 9 {
		t.Fatalf("payload: %v", pkt.payload)
	}

	if _, err := parsePacket(make([]byte, packetHeaderLen)); err == nil {
		t.Fatalf("header-only packet accepted")
	}
}

// 1x1x1x4 geometry: 16 bytes, 8 int16 samples per cube.
func assemblerParams() frame.AdcParams {
	return frame.AdcParams{Chirps: 1, Rx: 1, Tx: 1, Samples: 4, IQ: 2, Bytes: 2}
}

func streamBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestAssemblerCompletesFrames(t *testing.T) {
	adc := assemblerParams()
	asm := newAssembler(adc)
	stream := streamBytes(32)

	var frames []frame.RawAdcFrame
	num := uint32(1)
	for off := 0; off < len(stream); off += 8 {
		pkt := makePacket(num, uint64(off), stream[off:off+8])
		frames = append(frames, asm.feed(pkt, float64(num))...)
		num++
	}

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Seq != 0 || frames[1].Seq != 1 {
		t.Fatalf("sequence numbers: %d %d", frames[0].Seq, frames[1].Seq)
	}
	if frames[0].Timestamp != 2 || frames[1].Timestamp != 4 {
		t.Fatalf("timestamps: %v %v", frames[0].Timestamp, frames[1].Timestamp)
	}
	if got := frames[0].Data[0]; got != int16(binary.LittleEndian.Uint16(stream[0:2])) {
		t.Fatalf("first sample: %d", got)
	}
	if got := frames[1].Data[7]; got != int16(binary.LittleEndian.Uint16(stream[30:32])) {
		t.Fatalf("last sample: %d", got)
	}
	if asm.gaps != 0 {
		t.Fatalf("unexpected gaps: %d", asm.gaps)
	}
}

func TestAssemblerResyncsAfterGap(t *testing.T) {
	adc := assemblerParams()
	asm := newAssembler(adc)
	stream := streamBytes(64)

	frames := asm.feed(makePacket(1, 0, stream[0:8]), 1)
	frames = append(frames, asm.feed(makePacket(2, 8, stream[8:16]), 2)...)
	if len(frames) != 1 || frames[0].Seq != 0 {
		t.Fatalf("frames before gap: %+v", frames)
	}

	// Packet 3 is lost; packet 4 lands mid-frame, so the torn cube must
	// be discarded and assembly resume at the next boundary.
	frames = asm.feed(makePacket(4, 24, stream[24:32]), 3)
	if len(frames) != 0 {
		t.Fatalf("torn cube emitted: %+v", frames)
	}
	if asm.gaps != 1 {
		t.Fatalf("gap counter: %d", asm.gaps)
	}

	frames = asm.feed(makePacket(5, 32, stream[32:40]), 4)
	frames = append(frames, asm.feed(makePacket(6, 40, stream[40:48]), 5)...)
	if len(frames) != 1 {
		t.Fatalf("frames after resync: %+v", frames)
	}
	if frames[0].Seq != 2 {
		t.Fatalf("post-gap sequence: %d", frames[0].Seq)
	}
	if got := frames[0].Data[0]; got != int16(binary.LittleEndian.Uint16(stream[32:34])) {
		t.Fatalf("post-gap first sample: %d", got)
	}
	if asm.gaps != 1 {
		t.Fatalf("gap counter after resync: %d", asm.gaps)
	}
}

func TestDecodeCamera(t *testing.T) {
	pixels, err := cborarray.Uint8(2, 3, []byte{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("encode pixels: %v", err)
	}
	msg, err := cbor.Marshal(map[string]any{
		"type":   "camera",
		"ts":     12.5,
		"width":  3,
		"height": 2,
		"pixels": pixels,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	f, err := decodeCamera(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Timestamp != 12.5 || f.Width != 3 || f.Height != 2 {
		t.Fatalf("decoded frame: %+v", f)
	}
	if len(f.Pixels) != 6 || f.Pixels[5] != 6 {
		t.Fatalf("decoded pixels: %v", f.Pixels)
	}
}

func TestDecodeCameraRejectsBadMessages(t *testing.T) {
	if _, err := decodeCamera([]byte{0xff}); err == nil {
		t.Fatalf("garbage accepted")
	}

	msg, _ := cbor.Marshal(map[string]any{"type": "image"})
	if _, err := decodeCamera(msg); err == nil {
		t.Fatalf("wrong message type accepted")
	}

	pixels, _ := cborarray.Uint8(2, 2, []byte{1, 2, 3, 4})
	msg, _ = cbor.Marshal(map[string]any{
		"type": "camera", "ts": 1.0, "width": 3, "height": 2, "pixels": pixels,
	})
	if _, err := decodeCamera(msg); err == nil {
		t.Fatalf("dimension mismatch accepted")
	}
}

func TestDecodeSkeleton(t *testing.T) {
	landmarks := make([]any, frame.SkeletonLandmarks)
	for i := range landmarks {
		landmarks[i] = []any{0.1, 0.2, 0.3, 0.9}
	}
	msg, err := cbor.Marshal(map[string]any{
		"type": "skeleton", "ts": 4.5, "landmarks": landmarks,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	f, err := decodeSkeleton(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Timestamp != 4.5 || len(f.Landmarks) != frame.SkeletonLandmarks {
		t.Fatalf("decoded frame: %+v", f)
	}
	if f.Landmarks[0].Confidence != 0.9 {
		t.Fatalf("landmark: %+v", f.Landmarks[0])
	}

	msg, _ = cbor.Marshal(map[string]any{
		"type": "skeleton", "ts": 4.5, "landmarks": landmarks[:10],
	})
	if _, err := decodeSkeleton(msg); err == nil {
		t.Fatalf("short landmark list accepted")
	}
}
