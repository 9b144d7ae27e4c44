package model

import "errors"

// ErrModelUnavailable is returned when the model artifact could not be
// loaded or does not match the label table. If returned in conjunction with
// an HTTP request, it should be paired with a 503 response status.
var ErrModelUnavailable = errors.New("model unavailable")

// ErrInvalidMetadata is wrapped by LoadMetadata for structurally invalid
// metadata files.
var ErrInvalidMetadata = errors.New("invalid model metadata")
