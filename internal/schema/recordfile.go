package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RecordFileFormat identifies the codec of a record file.
type RecordFileFormat string

const (
	FormatJSON RecordFileFormat = "json"
	FormatYAML RecordFileFormat = "yaml"
)

// FormatFor picks the record file format from the file extension.
func FormatFor(path string) (RecordFileFormat, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return "", false
	}
}

// IsRecordFile reports whether path has a record file extension.
func IsRecordFile(path string) bool {
	_, ok := FormatFor(path)
	return ok
}

// ReadRecordFile reads a list of blocks from a JSON or YAML file.
// The file holds a top-level list of blocks with their operations inline.
func ReadRecordFile(path string) ([]*Block, error) {
	format, ok := FormatFor(path)
	if !ok {
		return nil, fmt.Errorf("unsupported record file %s: want .json, .yaml or .yml", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	blocks, err := DecodeRecords(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}
	return blocks, nil
}

// DecodeRecords decodes a list of blocks.
func DecodeRecords(data []byte, format RecordFileFormat) ([]*Block, error) {
	var blocks []*Block
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&blocks); err != nil {
			return nil, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&blocks); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown record format %q", format)
	}

	// A null entry would otherwise surface much later as a nil dereference.
	for i, b := range blocks {
		if b == nil {
			return nil, fmt.Errorf("record %d is empty", i+1)
		}
	}
	return blocks, nil
}

// WriteRecordFile writes blocks to path as JSON or YAML, chosen by the
// file extension. Parent directories are created as needed.
func WriteRecordFile(path string, blocks []*Block) error {
	format, ok := FormatFor(path)
	if !ok {
		return fmt.Errorf("unsupported record file %s: want .json, .yaml or .yml", path)
	}

	if blocks == nil {
		blocks = []*Block{}
	}

	var data []byte
	var err error
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(blocks, "", "  ")
	case FormatYAML:
		data, err = yaml.Marshal(blocks)
	}
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file %s: %w", path, err)
	}
	return nil
}
