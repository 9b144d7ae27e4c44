package handlers

import (
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/Brownie44l1/banana-api/internal/classifier"
	"github.com/Brownie44l1/banana-api/internal/metrics"
	"github.com/Brownie44l1/banana-api/internal/model"
	"github.com/Brownie44l1/banana-api/internal/session"
)

//go:embed templates/index.html
var templates embed.FS

var indexTemplate = template.Must(template.ParseFS(templates, "templates/index.html"))

const actionClear = "clear"

type pageData struct {
	Error    string
	Warning  string
	Result   *pageResult
	ImageURL template.URL
}

type pageResult struct {
	Label  string
	Color  string
	Scores []scoreRow
}

type scoreRow struct {
	Label     string
	Percent   string
	Predicted bool
}

func newPageResult(p classifier.Prediction) *pageResult {
	res := &pageResult{Label: p.Label.Display(), Color: p.Color()}
	for i, l := range model.Labels {
		res.Scores = append(res.Scores, scoreRow{
			Label:     l.String(),
			Percent:   fmt.Sprintf("%.2f%%", 100*p.Probabilities[i]),
			Predicted: i == p.Index,
		})
	}
	return res
}

// imageURL embeds the uploaded bytes so the page can show them back without
// storing them anywhere reachable by URL. contentType is the sniffed type
// recorded when the image was uploaded.
func imageURL(data []byte, contentType string) template.URL {
	if contentType != "image/png" && contentType != "image/jpeg" {
		return ""
	}
	return template.URL("data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data))
}

// Index serves the upload page. GET shows the session's last result, POST
// classifies the uploaded image, or re-shows the last result when the form
// was submitted without a file. The clear action drops the session's result.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := h.ensureSession(w, r)

	if r.Method == http.MethodGet {
		var data pageData
		if last, ok := h.sessions.Last(id); ok {
			data.Result = newPageResult(last.Prediction)
			data.ImageURL = imageURL(last.Image, last.Format)
		}
		h.render(w, http.StatusOK, data)
		return
	}

	upload, _, err := h.readUpload(w, r)
	if err != nil {
		h.metrics.Error(metrics.KindRequest)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.render(w, http.StatusRequestEntityTooLarge, pageData{Error: "Error: the image is too large."})
			return
		}
		h.render(w, http.StatusBadRequest, pageData{Error: "Error: could not read the upload."})
		return
	}

	if r.FormValue("action") == actionClear {
		h.sessions.Forget(id)
		h.render(w, http.StatusOK, pageData{})
		return
	}

	if !h.classifier.Available() {
		h.metrics.Error(metrics.KindModelUnavailable)
		h.render(w, http.StatusServiceUnavailable, pageData{Error: "Error: Model could not be loaded. Analysis is not available."})
		return
	}

	if upload == nil {
		last, ok := h.sessions.Last(id)
		if !ok {
			h.render(w, http.StatusOK, pageData{Warning: "Please upload an image first."})
			return
		}
		h.metrics.Prediction(last.Prediction.Label, true, 0)
		h.render(w, http.StatusOK, pageData{Result: newPageResult(last.Prediction), ImageURL: imageURL(last.Image, last.Format)})
		return
	}

	format := http.DetectContentType(upload)
	start := time.Now()
	p, cached, err := h.sessions.Classify(id, upload, format, h.classifier.Classify)
	if err != nil {
		status, kind, msg := classifyError(err)
		h.metrics.Error(kind)
		if status == http.StatusInternalServerError {
			h.log.Errorf("Prediction error: %v", err)
		}
		h.render(w, status, pageData{Error: "Error: " + msg})
		return
	}
	h.metrics.Prediction(p.Label, cached, time.Since(start))
	h.render(w, http.StatusOK, pageData{Result: newPageResult(p), ImageURL: imageURL(upload, format)})
}

func (h *Handler) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if id, ok := sessionID(r); ok {
		return id
	}
	id := session.NewID()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (h *Handler) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := indexTemplate.Execute(w, data); err != nil {
		h.log.Errorf("Failed to render page: %v", err)
	}
}
