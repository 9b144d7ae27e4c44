package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Brownie44l1/banana-api/internal/classifier"
	"github.com/Brownie44l1/banana-api/internal/logging"
	"github.com/Brownie44l1/banana-api/internal/metrics"
	"github.com/Brownie44l1/banana-api/internal/model"
	"github.com/Brownie44l1/banana-api/internal/session"
	"github.com/docker/go-units"
)

const (
	sessionCookie        = "banana_session"
	defaultMaxUploadSize = 10 << 20
	multipartSlack       = 1 << 20
)

type Handler struct {
	classifier    *classifier.Classifier
	sessions      *session.Cache
	metrics       *metrics.Recorder
	log           logging.Logger
	maxUploadSize int64
}

// Options holds the optional collaborators of a Handler. Nil values are
// replaced with fresh defaults.
type Options struct {
	Sessions      *session.Cache
	Metrics       *metrics.Recorder
	Log           logging.Logger
	MaxUploadSize int64
}

func NewHandler(c *classifier.Classifier, opts Options) *Handler {
	if opts.Sessions == nil {
		opts.Sessions = session.NewCache(session.Options{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRecorder(c.Available())
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}
	return &Handler{
		classifier:    c,
		sessions:      opts.Sessions,
		metrics:       opts.Metrics,
		log:           opts.Log,
		maxUploadSize: opts.MaxUploadSize,
	}
}

// Register adds the handler's routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/labels", h.Labels)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict/image", h.PredictFromImage)
	mux.HandleFunc("/{$}", h.Index)
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	ImageSize   int    `json:"image_size"`
	Layout      string `json:"layout"`
	Sessions    int    `json:"sessions"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	cfg := h.classifier.Config()
	resp := healthResponse{
		Status:      "healthy",
		ModelLoaded: h.classifier.Available(),
		ImageSize:   cfg.ImageSize,
		Layout:      string(cfg.Layout),
		Sessions:    h.sessions.Len(),
	}
	status := http.StatusOK
	if !resp.ModelLoaded {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type labelInfo struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	Color string `json:"color"`
}

func (h *Handler) Labels(w http.ResponseWriter, r *http.Request) {
	labels := make([]labelInfo, 0, model.NumClasses)
	for i, l := range model.Labels {
		labels = append(labels, labelInfo{Index: i, Label: l.String(), Color: model.StatusColor(l)})
	}
	writeJSON(w, http.StatusOK, labels)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// A JSON float is at most ~16 bytes, so allow a generous multiple of the
	// tensor size rather than the image upload limit.
	limit := int64(h.classifier.InputSize())*32 + 1024
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		h.metrics.Error(metrics.KindRequest)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.metrics.Error(metrics.KindRequest)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if !h.classifier.Available() {
		h.fail(w, classifier.ErrModelUnavailable)
		return
	}

	expectedSize := h.classifier.InputSize()
	if len(req.Image) != expectedSize {
		h.metrics.Error(metrics.KindRequest)
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	start := time.Now()
	p, err := h.classifier.ClassifyTensor(req.Image)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.metrics.Prediction(p.Label, false, time.Since(start))

	writeJSON(w, http.StatusOK, p.Response())
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, filename, err := h.readUpload(w, r)
	if err != nil {
		h.uploadError(w, err)
		return
	}
	if data == nil {
		h.metrics.Error(metrics.KindRequest)
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}

	h.log.Debugf("Received file: %s, size: %s", filename, units.HumanSize(float64(len(data))))

	resp, err := h.classify(r, data)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// classify runs the pipeline, going through the caller's session cache when
// the request carries a session cookie.
func (h *Handler) classify(r *http.Request, data []byte) (*model.PredictionResponse, error) {
	start := time.Now()

	var (
		p      classifier.Prediction
		cached bool
		err    error
	)
	if id, ok := sessionID(r); ok {
		p, cached, err = h.sessions.Classify(id, data, http.DetectContentType(data), h.classifier.Classify)
	} else {
		p, err = h.classifier.Classify(data)
	}
	if err != nil {
		return nil, err
	}

	h.metrics.Prediction(p.Label, cached, time.Since(start))
	resp := p.Response()
	resp.Cached = cached
	return resp, nil
}

// readUpload returns the bytes of the "image" form field. A request without
// the field yields nil data and a nil error. The upload limit applies to the
// file itself; the body may exceed it by multipartSlack for form framing.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartSlack)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		return nil, "", err
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	if header.Size > h.maxUploadSize {
		return nil, "", &http.MaxBytesError{Limit: h.maxUploadSize}
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadSize+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > h.maxUploadSize {
		return nil, "", &http.MaxBytesError{Limit: h.maxUploadSize}
	}
	return data, header.Filename, nil
}

func (h *Handler) uploadError(w http.ResponseWriter, err error) {
	h.metrics.Error(metrics.KindRequest)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		http.Error(w, fmt.Sprintf("Image larger than %s", units.BytesSize(float64(h.maxUploadSize))),
			http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "Failed to parse form", http.StatusBadRequest)
}

// fail maps a classification error to a status code and records it.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status, kind, msg := classifyError(err)
	h.metrics.Error(kind)
	if status == http.StatusInternalServerError {
		h.log.Errorf("Prediction error: %v", err)
	} else {
		h.log.Debugf("Prediction rejected: %v", err)
	}
	http.Error(w, msg, status)
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, classifier.ErrModelUnavailable):
		return http.StatusServiceUnavailable, metrics.KindModelUnavailable,
			"Model could not be loaded. Analysis is not available."
	case errors.Is(err, classifier.ErrInvalidImage):
		return http.StatusBadRequest, metrics.KindInvalidImage,
			"Invalid image format. Supported: JPEG, PNG"
	default:
		return http.StatusInternalServerError, metrics.KindInference, "Prediction failed"
	}
}

func sessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || !session.ValidID(c.Value) {
		return "", false
	}
	return c.Value, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
