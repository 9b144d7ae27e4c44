// Package classifier maps an image to a banana ripeness label.
//
// The pipeline is fixed: centre-crop and Lanczos-resize to the model's square
// input, force RGB, scale to [0,1], add a batch dimension, run the model,
// softmax the scores and take the first maximum. A Classifier is stateless
// apart from the read-only model it wraps and is safe for concurrent use.
package classifier

import (
	"fmt"
	"image"
	"math"

	"github.com/Brownie44l1/banana-api/internal/model"
	"github.com/Brownie44l1/banana-api/internal/preprocess"
)

var (
	// ErrModelUnavailable is returned by every classify call when no model
	// is loaded.
	ErrModelUnavailable = model.ErrModelUnavailable
	// ErrInvalidImage is returned when the input cannot be decoded.
	ErrInvalidImage = preprocess.ErrInvalidImage
)

// Scorer runs one forward pass of the model. *model.Server implements it.
type Scorer interface {
	Scores(input []float32) ([]float32, error)
}

// Config describes the model input.
type Config struct {
	ImageSize int
	Layout    model.Layout
	// MaxPixels bounds decoded uploads; zero uses preprocess.DefaultMaxPixels.
	MaxPixels int
}

// ConfigFromMetadata derives the pipeline configuration from model metadata.
func ConfigFromMetadata(md model.Metadata) Config {
	return Config{ImageSize: md.ImageSize, Layout: md.Layout}
}

// Prediction is the result of one classification.
type Prediction struct {
	Label         model.ClassLabel
	Index         int
	Probabilities [model.NumClasses]float64
}

// Confidence is the probability of the predicted label.
func (p Prediction) Confidence() float64 {
	return p.Probabilities[p.Index]
}

// Color is the status dot colour of the predicted label.
func (p Prediction) Color() string {
	return model.StatusColor(p.Label)
}

// Response converts the prediction into its JSON form.
func (p Prediction) Response() *model.PredictionResponse {
	predictions := make(map[string]float64, model.NumClasses)
	for i, l := range model.Labels {
		predictions[l.String()] = p.Probabilities[i]
	}
	return &model.PredictionResponse{
		Class:         p.Label.String(),
		Confidence:    p.Confidence(),
		Color:         p.Color(),
		Predictions:   predictions,
		Probabilities: append([]float64(nil), p.Probabilities[:]...),
	}
}

type Classifier struct {
	model Scorer
	cfg   Config
}

// New wraps a loaded model. A nil scorer yields a Classifier that reports
// ErrModelUnavailable from every call.
func New(scorer Scorer, cfg Config) *Classifier {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 224
	}
	if cfg.Layout == "" {
		cfg.Layout = model.NHWC
	}
	if cfg.MaxPixels == 0 {
		cfg.MaxPixels = preprocess.DefaultMaxPixels
	}
	return &Classifier{model: scorer, cfg: cfg}
}

// Available reports whether a model is loaded.
func (c *Classifier) Available() bool {
	return c != nil && c.model != nil
}

// InputSize is the number of values ClassifyTensor expects.
func (c *Classifier) InputSize() int {
	return 3 * c.cfg.ImageSize * c.cfg.ImageSize
}

// Config returns the pipeline configuration.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify decodes JPEG or PNG bytes and classifies the image.
func (c *Classifier) Classify(data []byte) (Prediction, error) {
	if !c.Available() {
		return Prediction{}, ErrModelUnavailable
	}
	img, _, err := preprocess.Decode(data, c.cfg.MaxPixels)
	if err != nil {
		return Prediction{}, err
	}
	return c.ClassifyImage(img)
}

// ClassifyImage classifies an already decoded image.
func (c *Classifier) ClassifyImage(img image.Image) (Prediction, error) {
	if !c.Available() {
		return Prediction{}, ErrModelUnavailable
	}
	if img == nil || img.Bounds().Empty() {
		return Prediction{}, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	return c.ClassifyTensor(preprocess.Prepare(img, c.cfg.ImageSize, c.cfg.Layout))
}

// ClassifyTensor runs the model on a prepared batch-of-one tensor.
func (c *Classifier) ClassifyTensor(tensor []float32) (Prediction, error) {
	if !c.Available() {
		return Prediction{}, ErrModelUnavailable
	}
	if len(tensor) != c.InputSize() {
		return Prediction{}, fmt.Errorf("expected %d values, got %d", c.InputSize(), len(tensor))
	}

	scores, err := c.model.Scores(tensor)
	if err != nil {
		return Prediction{}, err
	}
	if len(scores) != model.NumClasses {
		return Prediction{}, fmt.Errorf("model returned %d scores, expected %d", len(scores), model.NumClasses)
	}

	var raw [model.NumClasses]float64
	for i, s := range scores {
		raw[i] = float64(s)
		if math.IsNaN(raw[i]) || math.IsInf(raw[i], 0) {
			return Prediction{}, fmt.Errorf("model returned non-finite score %v for %s", s, model.Labels[i])
		}
	}
	probs := Softmax(raw[:])

	var p Prediction
	copy(p.Probabilities[:], probs)
	p.Index = Argmax(probs)
	p.Label = model.Labels[p.Index]
	return p, nil
}

// Softmax converts raw scores into a probability distribution. The maximum is
// subtracted first so large scores do not overflow.
func Softmax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the first maximum, or -1 for an empty slice.
func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i, v := range values[1:] {
		if v > values[best] {
			best = i + 1
		}
	}
	return best
}
