package model

import "strings"

// ClassLabel is a banana ripeness class.
type ClassLabel string

const (
	Overripe ClassLabel = "overripe"
	Ripe     ClassLabel = "ripe"
	Rotten   ClassLabel = "rotten"
	Unripe   ClassLabel = "unripe"
)

// NumClasses is the length of the model's output vector.
const NumClasses = 4

// Labels maps output index to label. It must match the order the model was
// trained with; metadata declaring any other order is rejected at load time.
var Labels = [NumClasses]ClassLabel{Overripe, Ripe, Rotten, Unripe}

// String returns the label as it appears in the metadata file.
func (l ClassLabel) String() string {
	return string(l)
}

// Display returns the upper-case form shown next to the status dot.
func (l ClassLabel) Display() string {
	return strings.ToUpper(string(l))
}

// StatusColor returns the CSS colour of the status dot for a label.
func StatusColor(l ClassLabel) string {
	switch l {
	case Unripe:
		return "green"
	case Ripe:
		return "gold"
	case Overripe:
		return "orange"
	case Rotten:
		return "red"
	default:
		return "gray"
	}
}

// Layout is the memory order of the input tensor.
type Layout string

const (
	// NHWC is the Keras default, [1, H, W, 3].
	NHWC Layout = "NHWC"
	// NCHW is the PyTorch default, [1, 3, H, W].
	NCHW Layout = "NCHW"
)

type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Layout      Layout   `json:"layout,omitempty"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// InputSize is the number of float32 values the model expects.
func (m Metadata) InputSize() int {
	return shapeSize(m.InputShape)
}

// OutputSize is the number of float32 values the model produces.
func (m Metadata) OutputSize() int {
	return shapeSize(m.OutputShape)
}

func shapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class         string             `json:"class"`
	Confidence    float64            `json:"confidence"`
	Color         string             `json:"color"`
	Predictions   map[string]float64 `json:"predictions"`
	Probabilities []float64          `json:"probabilities"`
	Cached        bool               `json:"cached"`
}
