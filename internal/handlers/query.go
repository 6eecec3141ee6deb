package handlers

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// Answerer produces the answer to a widget query as a sequence of text chunks.
type Answerer interface {
	Answer(ctx context.Context, query string) iter.Seq2[string, error]
}

// Query serves the endpoint widgets post their queries to. The answer is written as plain UTF-8 text,
// flushed after every chunk, with no framing.
type Query struct {
	answerer      Answerer
	limiter       *rate.Limiter
	allowedOrigin string

	logger *slog.Logger
}

type queryRequest struct {
	Query string `json:"query"`
}

const maxQueryBodySize = 64 << 10

// NewQuery creates the query endpoint handler. limiter may be nil to disable rate limiting, and
// allowedOrigin is sent as Access-Control-Allow-Origin when non-empty, since widgets are usually
// embedded in pages served from another origin.
func NewQuery(answerer Answerer, limiter *rate.Limiter, allowedOrigin string, logger *slog.Logger) Query {
	return Query{
		answerer:      answerer,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		logger:        logger.With(slog.String("module", "query")),
	}
}

// HandleQuery answers a POST with a JSON body {"query": "..."}.
//
// Errors found before the first chunk is written are reported with a status code: 400 for a bad
// body, 405 for other methods, 429 when the rate limit is exceeded and 502 when the answerer fails.
// Once streaming started the status can't change anymore, so an answerer failure aborts the
// connection and the client sees a dropped stream.
func (q Query) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if q.allowedOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", q.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if q.limiter != nil && !q.limiter.Allow() {
		q.logger.Warn("Rate limit exceeded", slog.String("remote", r.RemoteAddr))
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	start := func() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	var streamErr error
	for chunk, err := range q.answerer.Answer(r.Context(), query) {
		if err != nil {
			streamErr = err
			break
		}
		if chunk == "" {
			continue
		}
		if !started {
			start()
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			q.logger.Debug("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
		if err := rc.Flush(); err != nil {
			q.logger.Debug("Failed to flush", slog.String(errLoggerKey, err.Error()))
		}
	}

	if streamErr == nil {
		if !started {
			start()
		}
		return
	}

	q.logger.Error("Answer failed",
		slog.Bool("streaming", started),
		slog.String(errLoggerKey, streamErr.Error()))
	if !started {
		http.Error(w, "Failed to produce an answer", http.StatusBadGateway)
		return
	}
	panic(http.ErrAbortHandler)
}
