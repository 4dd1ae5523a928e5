package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// maxFramePayload guards the reader against corrupt length prefixes.
const maxFramePayload = 16 << 20

// Event is one decoded event line.
type Event struct {
	Tick        uint64          `json:"tick"`
	SimulatedMs int64           `json:"simulated_ms"`
	CapturedAt  time.Time       `json:"captured_at"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s at tick %d has no payload", e.Type, e.Tick)
	}
	return json.Unmarshal(e.Payload, v)
}

// Frame is one decoded frame blob.
type Frame struct {
	Tick        uint64 `json:"tick"`
	SimulatedMs int64  `json:"simulated_ms"`
	Payload     []byte `json:"-"`
}

// Bundle is a fully loaded replay directory.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Header   Header
	Events   []Event
	Frames   []Frame
}

// ReadBundle loads a bundle from its directory or manifest path.
func ReadBundle(path string) (*Bundle, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	//1.- Locate the manifest so the other artefacts resolve relative to it.
	manifestPath := path
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		manifestPath = filepath.Join(path, manifestName)
	}
	dir := filepath.Dir(manifestPath)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}

	bundle := &Bundle{Dir: dir, Manifest: manifest}
	//2.- Header, then events, then frames.
	if bundle.Header, err = ReadHeader(filepath.Join(dir, manifest.HeaderPath)); err != nil {
		return nil, err
	}
	if bundle.Events, err = readEvents(filepath.Join(dir, manifest.EventsPath)); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	if bundle.Frames, err = readFrames(filepath.Join(dir, manifest.FramesPath)); err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	return bundle, nil
}

// EventsOfType filters the bundle's events.
func (b *Bundle) EventsOfType(eventType string) []Event {
	if b == nil {
		return nil
	}
	var out []Event
	for _, event := range b.Events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var events []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw eventRecord
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, raw.CapturedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, Event{
			Tick:        raw.Tick,
			SimulatedMs: raw.SimulatedMs,
			CapturedAt:  captured,
			Type:        raw.Type,
			Payload:     append(json.RawMessage(nil), raw.Payload...),
		})
	}
	return events, scanner.Err()
}

func readFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []Frame
	var prefix [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(decoder, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, err
		}
		size := binary.LittleEndian.Uint32(prefix[16:20])
		if size > maxFramePayload {
			return nil, fmt.Errorf("frame payload of %d bytes exceeds limit", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, err
		}
		frames = append(frames, Frame{
			Tick:        binary.LittleEndian.Uint64(prefix[0:8]),
			SimulatedMs: int64(binary.LittleEndian.Uint64(prefix[8:16])),
			Payload:     payload,
		})
	}
}
