package grpc

import (
	"bytes"
	"testing"
)

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"x":100.5,"y":295}`), 64)
	for _, name := range []string{"gzip", "zstd", "identity"} {
		compressor, err := CompressorByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if compressor.Name() != name {
			t.Fatalf("expected codec %q, got %q", name, compressor.Name())
		}
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress: %v", name, err)
		}
		if name != "identity" && len(compressed) >= len(payload) {
			t.Fatalf("%s did not shrink a repetitive payload", name)
		}
		decompressed, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress: %v", name, err)
		}
		if !bytes.Equal(decompressed, payload) {
			t.Fatalf("%s round trip mismatch", name)
		}
	}
}

func TestDecompressEmptyFails(t *testing.T) {
	if _, err := NewGZIPCompressor().Decompress(nil); err == nil {
		t.Fatal("expected error for empty gzip payload")
	}
	z, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	if _, err := z.Decompress(nil); err == nil {
		t.Fatal("expected error for empty zstd payload")
	}
}

func TestCompressorByNameRejectsUnknown(t *testing.T) {
	if _, err := CompressorByName("brotli"); err == nil {
		t.Fatal("expected an error for an unknown codec")
	}
	compressor, err := CompressorByName("")
	if err != nil || compressor.Name() != "gzip" {
		t.Fatalf("expected gzip default, got %v err=%v", compressor, err)
	}
}
