// vomee-session-dump inspects a recorded session directory: it prints
// the metadata document, validates the raw radar chunk record framing,
// decodes heatmap records and shows the head of the timeline.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"vomee-capture-go/internal/cborarray"
	"vomee-capture-go/internal/frame"
)

const rawChunkMagic = "VOMERAW1"

func main() {
	var (
		dir   = flag.String("dir", "", "Path to a session directory")
		limit = flag.Int("limit", 5, "Number of records to dump per stream")
	)
	flag.Parse()

	if *dir == "" {
		log.Fatal("dir is required")
	}

	adc := dumpMetadata(*dir)
	dumpRaw(filepath.Join(*dir, "raw", "mmwave.bin"), adc, *limit)
	dumpHeatmaps(filepath.Join(*dir, "heatmaps", "rd"), *limit)
	dumpTimeline(filepath.Join(*dir, "timestamps.csv"), *limit)
}

func dumpMetadata(dir string) frame.AdcParams {
	payload, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		log.Fatalf("read metadata: %v", err)
	}
	var meta struct {
		SessionID string          `json:"session_id"`
		UUID      string          `json:"uuid"`
		Frames    uint64          `json:"frame_count"`
		Error     string          `json:"error"`
		Adc       frame.AdcParams `json:"adc_params"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		log.Fatalf("decode metadata: %v", err)
	}
	fmt.Printf("session %s (%s), %d frames\n", meta.SessionID, meta.UUID, meta.Frames)
	if meta.Error != "" {
		fmt.Printf("session ended with error: %s\n", meta.Error)
	}
	var pretty map[string]any
	_ = json.Unmarshal(payload, &pretty)
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return meta.Adc
}

func dumpRaw(path string, adc frame.AdcParams, limit int) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("no raw stream (%v)\n", err)
		return
	}
	defer f.Close()

	header := make([]byte, len(rawChunkMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("read magic: %v", err)
	}
	if string(header) != rawChunkMagic {
		log.Fatalf("unexpected raw chunk magic %q", string(header))
	}

	frameBytes := adc.FrameBytes()
	payload := make([]byte, frameBytes)
	count := 0
	lastSeq := uint64(0)
	for {
		var meta [16]byte
		if _, err := io.ReadFull(f, meta[:]); err != nil {
			if err == io.EOF {
				break
			}
			log.Fatalf("record %d: truncated header: %v", count, err)
		}
		seq := binary.LittleEndian.Uint64(meta[:8])
		ts := math.Float64frombits(binary.LittleEndian.Uint64(meta[8:16]))
		if _, err := io.ReadFull(f, payload); err != nil {
			log.Fatalf("record %d: truncated payload: %v", count, err)
		}
		if count > 0 && seq <= lastSeq {
			log.Fatalf("record %d: sequence %d not after %d", count, seq, lastSeq)
		}
		lastSeq = seq
		if count < limit {
			fmt.Printf("raw record %d: seq=%d ts=%.6f (%d bytes)\n", count, seq, ts, frameBytes)
		}
		count++
	}
	fmt.Printf("raw stream: %d valid records\n", count)
}

func dumpHeatmaps(dir string, limit int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Printf("no heatmap stream (%v)\n", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".cb") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		if i >= limit {
			break
		}
		payload, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Fatalf("read %s: %v", name, err)
		}
		var rec struct {
			Seq  uint64          `cbor:"seq"`
			Ts   float64         `cbor:"ts"`
			Data cbor.RawMessage `cbor:"data"`
		}
		if err := cbor.Unmarshal(payload, &rec); err != nil {
			log.Fatalf("decode %s: %v", name, err)
		}
		var arr any
		if err := cbor.Unmarshal(rec.Data, &arr); err != nil {
			log.Fatalf("decode %s data: %v", name, err)
		}
		rows, cols, values, err := cborarray.DecodeFloat32(arr)
		if err != nil {
			log.Fatalf("unwrap %s: %v", name, err)
		}
		min, max := values[0], values[0]
		for _, v := range values {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		fmt.Printf("%s: seq=%d ts=%.6f %dx%d range=[%.3f %.3f]\n", name, rec.Seq, rec.Ts, rows, cols, min, max)
	}
	fmt.Printf("heatmap stream: %d records\n", len(names))
}

func dumpTimeline(path string, limit int) {
	payload, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("no timeline (%v)\n", err)
		return
	}
	lines := strings.Split(strings.TrimRight(string(payload), "\n"), "\n")
	for i, line := range lines {
		if i > limit {
			fmt.Printf("... %d more rows\n", len(lines)-i)
			break
		}
		fmt.Println(line)
	}
}
