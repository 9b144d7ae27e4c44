package classifier

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"

	"github.com/Brownie44l1/banana-api/internal/model"
	"github.com/Brownie44l1/banana-api/internal/preprocess"
	"github.com/stretchr/testify/require"
)

// meanScorer scores an image by its mean channel values, so that colour
// drives the label deterministically: red-heavy is rotten, green-heavy is
// unripe, and so on.
type meanScorer struct {
	mu    sync.Mutex
	calls int
}

func (s *meanScorer) Scores(input []float32) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	var r, g, b float32
	n := float32(len(input) / 3)
	for i := 0; i < len(input); i += 3 {
		r += input[i]
		g += input[i+1]
		b += input[i+2]
	}
	r, g, b = r/n, g/n, b/n
	// overripe, ripe, rotten, unripe
	return []float32{4 * b, 4*min(r, g) - 4*b, 4 * (r - g), 4 * (g - r)}, nil
}

type fixedScorer struct {
	scores []float32
	err    error
}

func (s fixedScorer) Scores([]float32) ([]float32, error) {
	return s.scores, s.err
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(200 + x%50), G: uint8(180 + y%60), B: uint8(x * y % 40), A: 255})
		}
	}
	return img
}

func requireDistribution(t *testing.T, p Prediction) {
	t.Helper()
	var sum float64
	for _, v := range p.Probabilities {
		require.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-9)
	require.Contains(t, model.Labels[:], p.Label)
	require.Equal(t, model.Labels[p.Index], p.Label)
}

func TestClassifyValidImage(t *testing.T) {
	c := New(&meanScorer{}, Config{})
	p, err := c.Classify(encodePNG(t, gradient(320, 240)))
	require.NoError(t, err)
	requireDistribution(t, p)
	require.Equal(t, model.Ripe, p.Label)
	require.Equal(t, "gold", p.Color())
}

func TestClassifyColours(t *testing.T) {
	tests := []struct {
		colour color.NRGBA
		want   model.ClassLabel
	}{
		{color.NRGBA{R: 40, G: 200, B: 30, A: 255}, model.Unripe},
		{color.NRGBA{R: 230, G: 210, B: 20, A: 255}, model.Ripe},
		{color.NRGBA{R: 200, G: 30, B: 20, A: 255}, model.Rotten},
		{color.NRGBA{R: 20, G: 20, B: 220, A: 255}, model.Overripe},
	}
	c := New(&meanScorer{}, Config{})
	for _, tt := range tests {
		img := image.NewNRGBA(image.Rect(0, 0, 50, 80))
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = tt.colour.R, tt.colour.G, tt.colour.B, tt.colour.A
		}
		p, err := c.ClassifyImage(img)
		require.NoError(t, err)
		require.Equal(t, tt.want, p.Label, "colour %v", tt.colour)
		requireDistribution(t, p)
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	c := New(&meanScorer{}, Config{})
	data := encodePNG(t, gradient(123, 77))

	first, err := c.Classify(data)
	require.NoError(t, err)
	second, err := c.Classify(data)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestClassifyPreCroppedMatches(t *testing.T) {
	c := New(&meanScorer{}, Config{})
	src := gradient(400, 250)

	full, err := c.ClassifyImage(src)
	require.NoError(t, err)

	cropped, err := c.ClassifyImage(preprocess.Fit(src, 224))
	require.NoError(t, err)
	require.Equal(t, full.Label, cropped.Label)
	require.Equal(t, full.Probabilities, cropped.Probabilities)
}

func TestClassifyInvalidImage(t *testing.T) {
	scorer := &meanScorer{}
	c := New(scorer, Config{})

	_, err := c.Classify(nil)
	require.ErrorIs(t, err, ErrInvalidImage)

	_, err = c.Classify([]byte("ripe banana, trust me"))
	require.ErrorIs(t, err, ErrInvalidImage)

	require.Zero(t, scorer.calls)
}

func TestModelUnavailableBlocksEverything(t *testing.T) {
	c := New(nil, Config{})
	require.False(t, c.Available())

	p, err := c.Classify(encodePNG(t, gradient(10, 10)))
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.Equal(t, Prediction{}, p)

	_, err = c.Classify(nil)
	require.ErrorIs(t, err, ErrModelUnavailable)

	_, err = c.ClassifyImage(gradient(10, 10))
	require.ErrorIs(t, err, ErrModelUnavailable)

	_, err = c.ClassifyTensor(make([]float32, c.InputSize()))
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestClassifyTensorSizeMismatch(t *testing.T) {
	c := New(&meanScorer{}, Config{})
	_, err := c.ClassifyTensor(make([]float32, 10))
	require.Error(t, err)
}

func TestClassifyTensorBadScores(t *testing.T) {
	tensor := make([]float32, 224*224*3)

	_, err := New(fixedScorer{scores: []float32{1, 2, 3}}, Config{}).ClassifyTensor(tensor)
	require.Error(t, err)

	_, err = New(fixedScorer{scores: []float32{1, float32(math.NaN()), 0, 0}}, Config{}).ClassifyTensor(tensor)
	require.Error(t, err)

	boom := errors.New("boom")
	_, err = New(fixedScorer{err: boom}, Config{}).ClassifyTensor(tensor)
	require.ErrorIs(t, err, boom)
}

func TestClassifyTensorTieTakesLowestIndex(t *testing.T) {
	c := New(fixedScorer{scores: []float32{0.5, 2, 2, 1}}, Config{})
	p, err := c.ClassifyTensor(make([]float32, c.InputSize()))
	require.NoError(t, err)
	require.Equal(t, model.Ripe, p.Label)
	require.Equal(t, 1, p.Index)
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float64{1, 2, 3, 4})
	require.InDeltaSlice(t, []float64{0.0320586, 0.0871443, 0.2368828, 0.6439142}, probs, 1e-6)

	// Large scores must not overflow.
	probs = Softmax([]float64{1000, 1000, 0, -1000})
	require.InDeltaSlice(t, []float64{0.5, 0.5, 0, 0}, probs, 1e-12)

	require.Empty(t, Softmax(nil))
}

func TestArgmax(t *testing.T) {
	require.Equal(t, -1, Argmax(nil))
	require.Equal(t, 0, Argmax([]float64{1, 1, 1, 1}))
	require.Equal(t, 3, Argmax([]float64{0, 1, 2, 3}))
	require.Equal(t, 1, Argmax([]float64{0, 5, 5, 3}))
}

func TestPredictionResponse(t *testing.T) {
	p := Prediction{
		Label:         model.Rotten,
		Index:         2,
		Probabilities: [4]float64{0.1, 0.2, 0.6, 0.1},
	}
	resp := p.Response()
	require.Equal(t, "rotten", resp.Class)
	require.Equal(t, "red", resp.Color)
	require.InDelta(t, 0.6, resp.Confidence, 1e-12)
	require.Equal(t, []float64{0.1, 0.2, 0.6, 0.1}, resp.Probabilities)
	require.InDelta(t, 0.2, resp.Predictions["ripe"], 1e-12)
}

func TestClassifyNCHW(t *testing.T) {
	c := New(fixedScorer{scores: []float32{0, 0, 0, 9}}, Config{Layout: model.NCHW, ImageSize: 32})
	require.Equal(t, 3*32*32, c.InputSize())
	p, err := c.ClassifyImage(gradient(64, 40))
	require.NoError(t, err)
	require.Equal(t, model.Unripe, p.Label)
}
