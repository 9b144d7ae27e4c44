package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Brownie44l1/banana-api/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.NewWithWriter(&buf, "debug", logging.FormatJSON)
	require.NoError(t, err)

	h := Logging(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/image", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "POST", entry["method"])
	require.Equal(t, "/predict/image", entry["path"])
	require.EqualValues(t, http.StatusTeapot, entry["status"])
}
