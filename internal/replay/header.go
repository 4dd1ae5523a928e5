package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for replay header documents.
const HeaderSchemaVersion = 2

// TerrainParameters captures the terrain tuning used by the ride.
type TerrainParameters map[string]float64

// Clone returns a defensive copy of the terrain parameters map.
func (p TerrainParameters) Clone() TerrainParameters {
	if len(p) == 0 {
		return nil
	}
	clone := make(TerrainParameters, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// Header is the metadata needed to rebuild a ride from its inputs.
type Header struct {
	SchemaVersion int               `json:"schema_version"`
	RideID        string            `json:"ride_id"`
	Seed          uint64            `json:"seed"`
	Policy        string            `json:"policy,omitempty"`
	Bounded       bool              `json:"bounded"`
	TickHz        float64           `json:"tick_hz"`
	TerrainParams TerrainParameters `json:"terrain_params,omitempty"`
	// Settings is the full session configuration as JSON.
	Settings    json.RawMessage `json:"settings,omitempty"`
	FilePointer string          `json:"file_pointer"`
}

// Validate ensures the header contains enough information for catalogue tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	if h.TickHz < 0 {
		return fmt.Errorf("tick_hz must not be negative")
	}
	return nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes a replay header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, fmt.Errorf("decode header %s: %w", path, err)
	}
	//1.- The file is indented; hand back settings in their compact form.
	if len(header.Settings) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, header.Settings); err != nil {
			return Header{}, fmt.Errorf("header %s settings: %w", path, err)
		}
		header.Settings = compact.Bytes()
	}
	if err := header.Validate(); err != nil {
		return Header{}, fmt.Errorf("header %s: %w", path, err)
	}
	return header, nil
}
