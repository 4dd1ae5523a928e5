package replay

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type inputPayload struct {
	Accelerate bool `json:"accelerate"`
}

func newTestWriter(t *testing.T, root string) *Writer {
	t.Helper()
	clock := func() time.Time { return time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC) }
	writer, manifest, err := NewWriter(root, Header{RideID: "Ride 7!", Seed: 7, TickHz: 60, TerrainParams: TerrainParameters{"max_y": 500}}, clock)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if manifest.FrameIntervalMs != 200 || manifest.Version != ManifestVersion {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
	if filepath.Base(writer.Directory()) != "Ride7-20240710T120000Z" {
		t.Fatalf("unexpected bundle directory %q", writer.Directory())
	}
	return writer
}

func TestWriterRoundTripsThroughReader(t *testing.T) {
	writer := newTestWriter(t, t.TempDir())

	if err := writer.AppendEvent(0, 0, EventRideStarted, nil); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := writer.AppendEvent(3, 50, EventInput, inputPayload{Accelerate: true}); err != nil {
		t.Fatalf("append input: %v", err)
	}

	//1.- Frames closer than the interval in simulated time are skipped.
	kept := 0
	for tick := uint64(1); tick <= 30; tick++ {
		ms := int64(tick) * 1000 / 60
		ok, err := writer.AppendFrame(tick, ms, []byte{byte(tick)})
		if err != nil {
			t.Fatalf("append frame %d: %v", tick, err)
		}
		if ok {
			kept++
		}
	}
	if err := writer.ForceFrame(31, 516, []byte("last")); err != nil {
		t.Fatalf("force frame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	//2.- Read everything back through the bundle reader.
	bundle, err := ReadBundle(writer.Directory())
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if bundle.Header.RideID != "Ride 7!" || bundle.Header.Seed != 7 || bundle.Header.FilePointer != manifestName {
		t.Fatalf("unexpected header %+v", bundle.Header)
	}
	if len(bundle.Events) != 2 || bundle.Events[1].Type != EventInput || bundle.Events[1].Tick != 3 {
		t.Fatalf("unexpected events %+v", bundle.Events)
	}
	var payload inputPayload
	if err := bundle.Events[1].Decode(&payload); err != nil || !payload.Accelerate {
		t.Fatalf("unexpected input payload %+v err=%v", payload, err)
	}
	if err := bundle.Events[0].Decode(&payload); err == nil {
		t.Fatalf("expected decoding an empty payload to fail")
	}
	if len(bundle.EventsOfType(EventInput)) != 1 {
		t.Fatalf("expected one input event")
	}

	if len(bundle.Frames) != kept+1 {
		t.Fatalf("expected %d frames, got %d", kept+1, len(bundle.Frames))
	}
	// Ticks 1, 13 and 25 fall on the 200 ms cadence at 60 Hz.
	if kept != 3 || bundle.Frames[1].Tick != 13 || bundle.Frames[2].Tick != 25 {
		t.Fatalf("unexpected frame cadence kept=%d frames=%+v", kept, bundle.Frames)
	}
	last := bundle.Frames[len(bundle.Frames)-1]
	if last.Tick != 31 || string(last.Payload) != "last" {
		t.Fatalf("unexpected final frame %+v", last)
	}
	events, frames := writer.Counts()
	if events != 2 || frames != kept+1 {
		t.Fatalf("unexpected counts events=%d frames=%d", events, frames)
	}
}

func TestWriterRejectsAppendsAfterClose(t *testing.T) {
	writer := newTestWriter(t, t.TempDir())
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.AppendEvent(1, 1, EventInput, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := writer.AppendFrame(1, 1, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReadBundleAcceptsManifestPath(t *testing.T) {
	writer := newTestWriter(t, t.TempDir())
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	bundle, err := ReadBundle(filepath.Join(writer.Directory(), manifestName))
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if len(bundle.Events) != 0 || len(bundle.Frames) != 0 {
		t.Fatalf("expected an empty bundle, got %+v", bundle)
	}
	raw, err := json.Marshal(bundle.Manifest)
	if err != nil || len(raw) == 0 {
		t.Fatalf("manifest should re-encode: %v", err)
	}
}

func TestListReturnsBundlesBySeed(t *testing.T) {
	root := t.TempDir()
	for i, seed := range []uint64{9, 3} {
		clock := func() time.Time { return time.Date(2024, 7, 10, 12, i, 0, 0, time.UTC) }
		writer, _, err := NewWriter(root, Header{RideID: "r", Seed: seed}, clock)
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
		writer.Close()
	}
	entries, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Header.Seed != 3 || entries[1].Header.Seed != 9 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if _, err := List(""); err == nil {
		t.Fatalf("expected an error for an empty root")
	}
}
