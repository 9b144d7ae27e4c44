package model

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	defaultImageSize  = 224
	defaultInputName  = "input"
	defaultOutputName = "output"
)

// LoadMetadata reads the JSON file describing the model's tensors and labels,
// fills in defaults and validates it.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	return ParseMetadata(data)
}

// ParseMetadata is LoadMetadata without the file read.
func ParseMetadata(data []byte) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	md.applyDefaults()
	if err := md.Validate(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (m *Metadata) applyDefaults() {
	if m.ImageSize == 0 {
		m.ImageSize = defaultImageSize
	}
	if m.Layout == "" {
		m.Layout = NHWC
	}
	if m.InputName == "" {
		m.InputName = defaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = defaultOutputName
	}
	if len(m.InputShape) == 0 {
		m.InputShape = DefaultInputShape(m.Layout, m.ImageSize)
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, NumClasses}
	}
}

// DefaultInputShape is the batch-of-one RGB shape for the given layout.
func DefaultInputShape(layout Layout, size int) []int64 {
	s := int64(size)
	if layout == NCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

// Validate checks that the metadata describes a 4-class RGB classifier whose
// class order matches Labels.
func (m Metadata) Validate() error {
	if m.Layout != NHWC && m.Layout != NCHW {
		return fmt.Errorf("%w: unknown layout %q", ErrInvalidMetadata, m.Layout)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("%w: image_size must be positive, got %d", ErrInvalidMetadata, m.ImageSize)
	}
	want := DefaultInputShape(m.Layout, m.ImageSize)
	if !equalShape(m.InputShape, want) {
		return fmt.Errorf("%w: input_shape %v does not match %s %dx%d RGB %v",
			ErrInvalidMetadata, m.InputShape, m.Layout, m.ImageSize, m.ImageSize, want)
	}
	if m.OutputSize() != NumClasses {
		return fmt.Errorf("%w: output_shape %v must hold %d scores", ErrInvalidMetadata, m.OutputShape, NumClasses)
	}
	if len(m.Classes) != NumClasses {
		return fmt.Errorf("%w: expected %d classes, got %d", ErrInvalidMetadata, NumClasses, len(m.Classes))
	}
	for i, c := range m.Classes {
		if c != Labels[i].String() {
			return fmt.Errorf("%w: class %d is %q, expected %q", ErrInvalidMetadata, i, c, Labels[i])
		}
	}
	return nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
