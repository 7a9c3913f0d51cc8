package pipeline

import (
	"errors"

	"chain-event-ingest/internal/adapter"
)

var (
	// ErrStoreUnavailable wraps any store failure that aborts a batch.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrMalformedPayload is re-exported for callers that only see the pipeline.
	ErrMalformedPayload = adapter.ErrMalformedPayload
)
