package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// Ollama answers widget queries with a model served by an Ollama instance. The answer is streamed
// chunk by chunk as the model produces it.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// errStopped is returned from the Chat callback once the consumer of Answer has stopped iterating.
var errStopped = errors.New("consumer stopped")

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host: %w", err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Answer implements the Answerer interface by streaming the model's reply to query.
func (o Ollama) Answer(ctx context.Context, query string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var msgs []api.Message
		if o.systemPrompt != "" {
			msgs = append(msgs, api.Message{
				Role:    "system",
				Content: o.systemPrompt,
			})
		}
		msgs = append(msgs, api.Message{
			Role:    "user",
			Content: query,
		})

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Chat keeps delivering buffered lines after the consumer stops; yield must not run again.
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				cancel()
				return errStopped
			}
			return nil
		}); err != nil {
			if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Error("Chat failed", slog.String("err", err.Error()))
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
