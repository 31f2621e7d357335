package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	op := func(name string, ok bool) Operation {
		ts = ts.Add(time.Minute)
		return Operation{Name: name, Success: ok, Timestamp: ts}
	}

	tests := []struct {
		name     string
		ops      []Operation
		required []string
		want     Status
	}{
		{"no operations", nil, nil, StatusInProgress},
		{"single success", []Operation{op("Flashing", true)}, nil, StatusCompleted},
		{"latest failed", []Operation{op("Flashing", true), op("Calibration", false)}, nil, StatusError},
		{"failure retried", []Operation{op("Flashing", false), op("Flashing", true)}, nil, StatusCompleted},
		{"required missing", []Operation{op("Flashing", true)}, []string{"Flashing", "Calibration"}, StatusInProgress},
		{"required done", []Operation{op("Flashing", true), op("Calibration", true)}, []string{"Flashing", "Calibration"}, StatusCompleted},
		{"error beats missing", []Operation{op("Flashing", false)}, []string{"Flashing", "Calibration"}, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.ops, tt.required))
		})
	}
}

func TestSupersedes(t *testing.T) {
	assert.True(t, Supersedes(2, 1))
	assert.False(t, Supersedes(1, 1))
	assert.False(t, Supersedes(0, 3))
}

func TestBlockClone(t *testing.T) {
	b := &Block{ID: "b1", Operations: []Operation{{ID: "o1", Name: "Flashing"}}}
	c := b.Clone()
	c.Operations[0].Name = "Calibration"
	assert.Equal(t, "Flashing", b.Operations[0].Name)

	row := b.Row()
	assert.Nil(t, row.Operations)
	assert.Len(t, b.Operations, 1)
}

func TestEffectiveDate(t *testing.T) {
	created := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	b := &Block{CreatedAt: created}
	assert.Equal(t, created, b.EffectiveDate())

	dated := created.Add(48 * time.Hour)
	b.Date = dated
	assert.Equal(t, dated, b.EffectiveDate())
}

func TestChangeSetNormalize(t *testing.T) {
	var cs *ChangeSet
	assert.True(t, cs.Empty())
	assert.Equal(t, 0, cs.Len())

	cs = (&ChangeSet{}).Normalize()
	require.NotNil(t, cs.Blocks)
	require.NotNil(t, cs.Operations)
	assert.True(t, cs.Empty())

	cs.Blocks = append(cs.Blocks, &Block{ID: "b1"})
	assert.Equal(t, 1, cs.Len())
}

func TestNotFoundError(t *testing.T) {
	err := fmt.Errorf("lookup: %w", &NotFoundError{Kind: "block", ID: "b1"})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "lookup: block b1 not found", err.Error())
}

func TestValidationError(t *testing.T) {
	ve := &ValidationError{}
	require.NoError(t, ve.OrNil())

	ve.Add("blockNumber", "must contain only digits")
	ve.Fields = append(ve.Fields, FieldError{Record: 2, Field: "modelType", Message: "unknown model type \"X\""})

	err := ve.OrNil()
	require.Error(t, err)
	assert.True(t, IsValidation(fmt.Errorf("wrapped: %w", err)))
	assert.True(t, ve.HasField("modelType"))
	assert.False(t, ve.HasField("macAddress"))
	assert.Equal(t, []int{2}, ve.Records())
	assert.Contains(t, err.Error(), "blockNumber: must contain only digits")
	assert.Contains(t, err.Error(), "record 3: modelType")
}

func TestLoadCatalog(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cat, err := LoadCatalog("")
		require.NoError(t, err)
		assert.True(t, cat.HasModelType("Model1"))
		assert.True(t, cat.HasOperation("Flashing"))
		assert.False(t, cat.HasOperation("Painting"))
	})

	t.Run("partial override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.toml")
		content := "model_types = [\"M-100\", \"M-200\"]\noperations = [\"Flashing\", \"Burn-in\"]\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cat, err := LoadCatalog(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"M-100", "M-200"}, cat.ModelTypes)
		assert.True(t, cat.HasOperation("Burn-in"))
		assert.True(t, cat.HasModemType("ModemA"), "untouched lists keep defaults")
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.toml")
		require.NoError(t, os.WriteFile(path, []byte("colours = [\"red\"]\n"), 0644))
		_, err := LoadCatalog(path)
		require.Error(t, err)
	})

	t.Run("empty operations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.toml")
		require.NoError(t, os.WriteFile(path, []byte("operations = []\n"), 0644))
		_, err := LoadCatalog(path)
		require.Error(t, err)
	})
}

func TestCatalogEncodeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, DefaultCatalog().Encode(f))
	require.NoError(t, f.Close())

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog(), cat)
}

func TestRecordFiles(t *testing.T) {
	ts := time.Date(2025, 4, 10, 9, 30, 0, 0, time.UTC)
	blocks := []*Block{
		{
			ID:          "b1",
			BlockNumber: "1001",
			ModelType:   "Model1",
			Operator:    "Ivanova",
			Date:        ts,
			Operations: []Operation{
				{ID: "o1", Name: "Flashing", Success: true, Timestamp: ts, Executor: "Ivanova"},
				{ID: "o2", Name: "Calibration", Success: false, Timestamp: ts.Add(time.Hour), ErrorCode: "E42"},
			},
		},
	}

	for _, name := range []string{"records.json", "records.yaml", "records.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", name)
			require.NoError(t, WriteRecordFile(path, blocks))

			got, err := ReadRecordFile(path)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "1001", got[0].BlockNumber)
			require.Len(t, got[0].Operations, 2)
			assert.Equal(t, "E42", got[0].Operations[1].ErrorCode)
			assert.True(t, got[0].Operations[0].Timestamp.Equal(ts))
		})
	}
}

func TestReadRecordFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadRecordFile(filepath.Join(dir, "records.csv"))
	require.Error(t, err)

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`[{"id":"b1","colour":"red"}]`), 0644))
	_, err = ReadRecordFile(unknown)
	require.Error(t, err)

	null := filepath.Join(dir, "null.json")
	require.NoError(t, os.WriteFile(null, []byte(`[null]`), 0644))
	_, err = ReadRecordFile(null)
	require.Error(t, err)
}
