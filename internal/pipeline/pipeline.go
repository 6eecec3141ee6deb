// Package pipeline sends a user query to a remote endpoint and streams the plain-text answer into a
// transcript as it arrives.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/MegaGrindStone/chatbot-widget/internal/transcript"
)

// Doer sends an HTTP request and returns its response. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Pipeline translates one user query at a time into a sequence of transcript updates. Every outcome,
// including failures, is reported through the transcript; Send never returns an error.
type Pipeline struct {
	endpoint string
	timeout  time.Duration

	client Doer
	store  *transcript.Store

	logger *slog.Logger
}

// StatusError is the failure reported when the endpoint answers outside the 2xx range.
type StatusError struct {
	StatusCode int
}

type queryRequest struct {
	Query string `json:"query"`
}

const readBufferSize = 4096

// ErrCanceled describes a request aborted by its caller, usually because the widget was closed.
var ErrCanceled = errors.New("request canceled")

func (e *StatusError) Error() string {
	return fmt.Sprintf("Server responded %d", e.StatusCode)
}

// New creates a Pipeline that posts queries to endpoint through client and records them in store. A
// positive timeout bounds each request from send until the end of the stream.
func New(endpoint string, timeout time.Duration, client Doer, store *transcript.Store, logger *slog.Logger) Pipeline {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Pipeline{
		endpoint: endpoint,
		timeout:  timeout,
		client:   client,
		store:    store,
		logger:   logger.With(slog.String("module", "pipeline")),
	}
}

// Send appends query as a user message, opens an empty bot message and fills it with the streamed
// answer. Queries that are empty after trimming are ignored. Send blocks until the bot message reaches
// a terminal state; canceling ctx aborts the stream and marks the message errored.
func (p Pipeline) Send(ctx context.Context, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}

	p.store.Append(models.RoleUser, query, models.StateComplete)
	sink := p.store.Append(models.RoleBot, "", models.StatePending)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.stream(ctx, query, sink); err != nil {
		p.logger.Warn("Query failed",
			slog.Int("sink", int(sink)),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("err", err.Error()))
		p.store.SetText(sink, "Error: "+describe(ctx, err))
		p.store.SetState(sink, models.StateErrored)
		return
	}

	p.logger.Debug("Query complete",
		slog.Int("sink", int(sink)),
		slog.Duration("elapsed", time.Since(start)))
	p.store.SetState(sink, models.StateComplete)
}

func (p Pipeline) stream(ctx context.Context, query string, sink models.Handle) error {
	jsonBody, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	dec, err := NewDecoder(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	p.store.SetState(sink, models.StateStreaming)

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		final := errors.Is(readErr, io.EOF)
		if n > 0 || final {
			text, err := dec.Decode(buf[:n], final)
			p.store.UpdateText(sink, text)
			if err != nil {
				return fmt.Errorf("error decoding response: %w", err)
			}
		}
		if final {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("error reading response: %w", readErr)
		}
	}
}

// describe produces the human-readable part of a failed message.
func describe(ctx context.Context, err error) string {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		return statusErr.Error()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return ErrCanceled.Error()
	}
	return err.Error()
}
