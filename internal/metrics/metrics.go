// Package metrics counts classification outcomes and serves them in the
// Prometheus text exposition format.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Brownie44l1/banana-api/internal/logging"
	"github.com/Brownie44l1/banana-api/internal/model"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "banana_"

// Error kinds used as the "kind" label of the errors counter.
const (
	KindInvalidImage     = "invalid_image"
	KindModelUnavailable = "model_unavailable"
	KindInference        = "inference"
	KindRequest          = "request"
)

// Recorder accumulates counters. The zero value is not usable; use
// NewRecorder.
type Recorder struct {
	mu               sync.Mutex
	predictions      map[model.ClassLabel]uint64
	errors           map[string]uint64
	cacheHits        uint64
	cacheMisses      uint64
	inferenceSeconds float64
	inferenceCount   uint64
	modelLoaded      bool
}

func NewRecorder(modelLoaded bool) *Recorder {
	r := &Recorder{
		predictions: make(map[model.ClassLabel]uint64, model.NumClasses),
		errors:      make(map[string]uint64),
		modelLoaded: modelLoaded,
	}
	for _, l := range model.Labels {
		r.predictions[l] = 0
	}
	for _, k := range []string{KindInvalidImage, KindModelUnavailable, KindInference, KindRequest} {
		r.errors[k] = 0
	}
	return r
}

// Prediction records one completed classification. Cached results count as
// predictions but not as inference time.
func (r *Recorder) Prediction(label model.ClassLabel, cached bool, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predictions[label]++
	if cached {
		r.cacheHits++
		return
	}
	r.cacheMisses++
	r.inferenceCount++
	r.inferenceSeconds += took.Seconds()
}

// Error records a failed request of the given kind.
func (r *Recorder) Error(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[kind]++
}

// Families snapshots the counters as metric families sorted by name.
func (r *Recorder) Families() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	predictions := counterFamily("predictions_total", "Classifications returned, by label.")
	for _, l := range model.Labels {
		predictions.Metric = append(predictions.Metric, counter(float64(r.predictions[l]), "label", l.String()))
	}

	errs := counterFamily("errors_total", "Failed classification requests, by kind.")
	kinds := make([]string, 0, len(r.errors))
	for k := range r.errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		errs.Metric = append(errs.Metric, counter(float64(r.errors[k]), "kind", k))
	}

	cache := counterFamily("session_cache_lookups_total", "Session cache lookups, by result.")
	cache.Metric = append(cache.Metric,
		counter(float64(r.cacheHits), "result", "hit"),
		counter(float64(r.cacheMisses), "result", "miss"),
	)

	inference := &dto.MetricFamily{
		Name: ptr(namespace + "inference_seconds"),
		Help: ptr("Time spent in preprocessing and model inference."),
		Type: dto.MetricType_SUMMARY.Enum(),
		Metric: []*dto.Metric{{
			Summary: &dto.Summary{
				SampleCount: ptr(r.inferenceCount),
				SampleSum:   ptr(r.inferenceSeconds),
			},
		}},
	}

	loaded := 0.0
	if r.modelLoaded {
		loaded = 1
	}
	up := &dto.MetricFamily{
		Name:   ptr(namespace + "model_loaded"),
		Help:   ptr("Whether the classification model is loaded."),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: ptr(loaded)}}},
	}

	families := []*dto.MetricFamily{predictions, errs, cache, inference, up}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families
}

func counterFamily(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: ptr(namespace + name),
		Help: ptr(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
}

func counter(v float64, labelName, labelValue string) *dto.Metric {
	return &dto.Metric{
		Label:   []*dto.LabelPair{{Name: ptr(labelName), Value: ptr(labelValue)}},
		Counter: &dto.Counter{Value: ptr(v)},
	}
}

func ptr[T any](v T) *T {
	return &v
}

// Handler serves the recorder's counters.
type Handler struct {
	log      logging.Logger
	recorder *Recorder
}

func NewHandler(log logging.Logger, recorder *Recorder) *Handler {
	return &Handler{log: log, recorder: recorder}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	w.WriteHeader(http.StatusOK)

	encoder := expfmt.NewEncoder(w, format)
	for _, family := range h.recorder.Families() {
		if err := encoder.Encode(family); err != nil {
			h.log.Errorf("Failed to encode metric family %s: %v", family.GetName(), err)
			continue
		}
	}
}
