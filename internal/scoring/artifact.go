package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ArtifactFormat identifies the serialized forest layout.
const ArtifactFormat = "kestrel-iforest/v1"

type artifact struct {
	Format     string       `json:"format"`
	Features   []string     `json:"features"`
	Params     ForestConfig `json:"params"`
	SampleSize int          `json:"sample_size"`
	MaxDepth   int          `json:"max_depth"`
	Offset     float64      `json:"offset"`
	Trees      []Tree       `json:"trees"`
}

// SaveModel writes a fitted forest to path, replacing any existing file.
func SaveModel(path string, f *IsolationForest) error {
	if !f.Fitted() {
		return errors.New("model is not fitted")
	}
	data, err := json.Marshal(artifact{
		Format:     ArtifactFormat,
		Features:   f.features,
		Params:     f.cfg,
		SampleSize: f.sampleSize,
		MaxDepth:   f.maxDepth,
		Offset:     f.offset,
		Trees:      f.trees,
	})
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

// LoadModel reads a forest written by SaveModel. It returns
// ErrModelUnavailable when path is empty or does not exist.
func LoadModel(path string) (*IsolationForest, error) {
	if path == "" {
		return nil, ErrModelUnavailable
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if a.Format != ArtifactFormat {
		return nil, fmt.Errorf("unsupported model format %q", a.Format)
	}
	if len(a.Trees) == 0 {
		return nil, fmt.Errorf("%w: model has no trees", ErrModelUnavailable)
	}
	for i, t := range a.Trees {
		if err := t.validate(len(a.Features)); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}

	return &IsolationForest{
		features:   a.Features,
		cfg:        a.Params,
		sampleSize: a.SampleSize,
		maxDepth:   a.MaxDepth,
		offset:     a.Offset,
		trees:      a.Trees,
	}, nil
}

func (t Tree) validate(width int) error {
	if len(t) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t {
		if n.Left < 0 && n.Right < 0 {
			continue
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t) || n.Right >= len(t) {
			return fmt.Errorf("node %d has invalid children", i)
		}
		if n.Feature < 0 || n.Feature >= width {
			return fmt.Errorf("node %d splits on unknown feature %d", i, n.Feature)
		}
	}
	return nil
}
