package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var rideIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	// ManifestVersion is bumped whenever the bundle layout changes.
	ManifestVersion = 2
	// FrameInterval is the simulated-time spacing between persisted frames.
	FrameInterval = 200 * time.Millisecond

	manifestName = "manifest.json"
	headerName   = "header.json"
	eventsName   = "events.jsonl.sz"
	framesName   = "frames.bin.zst"

	frameHeaderSize = 8 + 8 + 4
)

// ErrClosed is returned when appending to a writer that was already closed.
var ErrClosed = errors.New("replay writer closed")

// Event types emitted by ride runners.
const (
	EventRideStarted    = "ride_started"
	EventInput          = "input"
	EventBonusCollected = "bonus_collected"
	EventRideFinished   = "ride_finished"
	EventRideClosed     = "ride_closed"
)

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	RideID          string `json:"ride_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	HeaderPath      string `json:"header_path"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// Writer streams one ride's artefacts to disk. Events are snappy-framed JSON
// lines; frames are length-prefixed blobs in a zstd stream.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	header      Header
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	lastFrameMs int64
	frames      int
	events      int
	closed      bool
}

// NewWriter creates <root>/<ride>-<timestamp>/ and opens the compressed sinks.
func NewWriter(root string, header Header, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := rideIDCleaner.ReplaceAllString(header.RideID, "")
	if cleaned == "" {
		cleaned = "ride"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, fmt.Errorf("create replay directory: %w", err)
	}

	manifest := Manifest{
		Version:         ManifestVersion,
		RideID:          header.RideID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(FrameInterval / time.Millisecond),
		HeaderPath:      headerName,
		EventsPath:      eventsName,
		FramesPath:      framesName,
	}
	if header.SchemaVersion == 0 {
		header.SchemaVersion = HeaderSchemaVersion
	}
	header.FilePointer = manifestName
	header.TerrainParams = header.TerrainParams.Clone()

	//1.- Write the static documents first so a crashed ride still has metadata.
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(path, manifestName), append(data, '\n'), 0o644); err != nil {
		return nil, Manifest{}, err
	}
	if err := WriteHeader(filepath.Join(path, headerName), header); err != nil {
		return nil, Manifest{}, err
	}

	//2.- Open the streaming sinks.
	eventFile, err := os.Create(filepath.Join(path, eventsName))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesName))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:         path,
		now:         clock,
		header:      header,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		lastFrameMs: -1,
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Header returns the header written at creation.
func (w *Writer) Header() Header {
	if w == nil {
		return Header{}
	}
	return w.header
}

// eventRecord is the on-disk layout of one event line.
type eventRecord struct {
	Tick        uint64          `json:"tick"`
	SimulatedMs int64           `json:"simulated_ms"`
	CapturedAt  string          `json:"captured_at"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// AppendEvent encodes payload as JSON and appends it to the event log.
func (w *Writer) AppendEvent(tick uint64, simulatedMs int64, eventType string, payload any) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", eventType, err)
		}
		raw = encoded
	}
	line, err := json.Marshal(eventRecord{
		Tick:        tick,
		SimulatedMs: simulatedMs,
		CapturedAt:  w.now().UTC().Format(time.RFC3339Nano),
		Type:        eventType,
		Payload:     raw,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.events++
	return w.eventStream.Flush()
}

// FrameDue reports whether a frame at simulatedMs would be persisted.
func (w *Writer) FrameDue(simulatedMs int64) bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frameDueLocked(simulatedMs)
}

func (w *Writer) frameDueLocked(simulatedMs int64) bool {
	return w.lastFrameMs < 0 || simulatedMs-w.lastFrameMs >= FrameInterval.Milliseconds()
}

// AppendFrame persists payload when at least FrameInterval of simulated time
// passed since the previous frame. It reports whether the frame was kept.
func (w *Writer) AppendFrame(tick uint64, simulatedMs int64, payload []byte) (bool, error) {
	if w == nil {
		return false, fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, ErrClosed
	}
	if !w.frameDueLocked(simulatedMs) {
		return false, nil
	}
	if err := w.writeFrameLocked(tick, simulatedMs, payload); err != nil {
		return false, err
	}
	w.lastFrameMs = simulatedMs
	return true, nil
}

// ForceFrame persists payload regardless of cadence, used for the final frame.
func (w *Writer) ForceFrame(tick uint64, simulatedMs int64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.writeFrameLocked(tick, simulatedMs, payload); err != nil {
		return err
	}
	w.lastFrameMs = simulatedMs
	return nil
}

// writeFrameLocked emits tick, simulated ms, length, payload. Callers hold mu.
func (w *Writer) writeFrameLocked(tick uint64, simulatedMs int64, payload []byte) error {
	var prefix [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(prefix[0:8], tick)
	binary.LittleEndian.PutUint64(prefix[8:16], uint64(simulatedMs))
	binary.LittleEndian.PutUint32(prefix[16:20], uint32(len(payload)))
	if _, err := w.frameStream.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.frameStream.Write(payload); err != nil {
		return err
	}
	w.frames++
	return nil
}

// Counts reports how many events and frames were written.
func (w *Writer) Counts() (events, frames int) {
	if w == nil {
		return 0, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events, w.frames
}

// Close flushes every stream and releases the file handles. Close is idempotent.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every close and surface the first failure.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())
	return firstErr
}
