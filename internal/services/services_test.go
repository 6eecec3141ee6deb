package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/MegaGrindStone/chatbot-widget/internal/services"
	"github.com/MegaGrindStone/chatbot-widget/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []*sse.Message
	topics   []string
}

func (p *fakePublisher) Publish(msg *sse.Message, topics ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	p.topics = append(p.topics, topics...)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBoltArchiveDisplay(t *testing.T) {
	archive, err := services.NewBoltArchive(filepath.Join(t.TempDir(), "archive.db"), discardLogger())
	require.NoError(t, err)
	defer archive.Close()

	store := transcript.New(archive.Display("w1"))
	store.Append(models.RoleStatus, "Hi!", models.StateComplete)
	store.Append(models.RoleUser, "hello", models.StateComplete)
	bot := store.Append(models.RoleBot, "", models.StatePending)
	store.SetState(bot, models.StateStreaming)
	store.UpdateText(bot, "Hi")
	store.UpdateText(bot, " there")

	msgs, err := archive.Messages(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "streaming message must not be archived yet")

	store.SetState(bot, models.StateComplete)

	msgs, err = archive.Messages(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleStatus, msgs[0].Role)
	assert.Equal(t, "hello", msgs[1].Text)
	assert.Equal(t, "Hi there", msgs[2].Text)
	assert.Equal(t, models.StateComplete, msgs[2].State)
	assert.False(t, msgs[2].Timestamp.IsZero())
	assert.Equal(t, []string{"w1-0", "w1-1", "w1-2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	other, err := archive.Messages(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestBoltArchiveWidgets(t *testing.T) {
	archive, err := services.NewBoltArchive(filepath.Join(t.TempDir(), "archive.db"), discardLogger())
	require.NoError(t, err)
	defer archive.Close()

	ctx := context.Background()
	for _, id := range []string{"b", "a", "b", "c"} {
		require.NoError(t, archive.Record(ctx, id, models.Message{Role: models.RoleUser, Text: id}))
	}

	ids, err := archive.Widgets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, ids)

	msgs, err := archive.Messages(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMarkdownRender(t *testing.T) {
	md := services.NewMarkdown("")

	tests := []struct {
		name     string
		role     models.Role
		text     string
		contains string
		excludes string
	}{
		{
			name:     "Bot markdown",
			role:     models.RoleBot,
			text:     "**bold** answer",
			contains: "<strong>bold</strong>",
		},
		{
			name:     "Bot raw html is dropped",
			role:     models.RoleBot,
			text:     "<script>alert(1)</script>",
			excludes: "<script>",
		},
		{
			name:     "User text is escaped",
			role:     models.RoleUser,
			text:     "<b>hi</b> **not bold**",
			contains: "&lt;b&gt;hi&lt;/b&gt; **not bold**",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := md.Render(tt.role, tt.text)
			require.NoError(t, err)
			if tt.contains != "" {
				assert.Contains(t, out, tt.contains)
			}
			if tt.excludes != "" {
				assert.NotContains(t, out, tt.excludes)
			}
		})
	}
}

func TestSSEDisplayPublishes(t *testing.T) {
	pub := &fakePublisher{}
	display := services.NewSSEDisplay(pub, "w1", services.NewMarkdown(""), discardLogger())
	store := transcript.New(display)

	bot := store.Append(models.RoleBot, "", models.StatePending)
	store.SetState(bot, models.StateStreaming)
	store.UpdateText(bot, "*hi*")
	store.SetState(bot, models.StateComplete)

	require.Len(t, pub.messages, 4)
	for _, topic := range pub.topics {
		assert.Equal(t, services.WidgetTopic("w1"), topic)
	}

	var sb strings.Builder
	_, err := pub.messages[2].WriteTo(&sb)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "event: "+services.TextEvent)

	var ev services.DisplayEvent
	data := dataLine(t, sb.String())
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, bot, ev.Handle)
	assert.Equal(t, models.RoleBot, ev.Role)
	assert.Contains(t, ev.HTML, "<em>hi</em>")
}

func TestAnthropicAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":%q}}\n\n", text)
		}
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, "claude", "be nice", 64, discardLogger())

	var sb strings.Builder
	for chunk, err := range a.Answer(context.Background(), "hi") {
		require.NoError(t, err)
		sb.WriteString(chunk)
	}
	assert.Equal(t, "Hello", sb.String())
}

func TestAnthropicAnswerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, "claude", "", 64, discardLogger())

	var gotErr error
	for _, err := range a.Answer(context.Background(), "hi") {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "503")
}

func dataLine(t *testing.T, raw string) string {
	t.Helper()
	for _, line := range strings.Split(raw, "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			return after
		}
	}
	t.Fatalf("no data line in %q", raw)
	return ""
}

type chatPayload struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream      *bool    `json:"stream"`
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
}

func ollamaServer(t *testing.T, lines int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var payload chatPayload
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload)) {
			return
		}
		assert.Equal(t, "llama3", payload.Model)
		if assert.Len(t, payload.Messages, 2) {
			assert.Equal(t, "system", payload.Messages[0].Role)
			assert.Equal(t, "user", payload.Messages[1].Role)
			assert.Equal(t, "hi", payload.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := range lines {
			fmt.Fprintf(w, "{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":\"c%d\"},\"done\":false}\n", i)
		}
		fmt.Fprint(w, "{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaAnswer(t *testing.T) {
	srv := ollamaServer(t, 3)

	o, err := services.NewOllama(srv.URL, "llama3", "be nice", discardLogger())
	require.NoError(t, err)

	var sb strings.Builder
	for chunk, err := range o.Answer(context.Background(), "hi") {
		require.NoError(t, err)
		sb.WriteString(chunk)
	}
	assert.Equal(t, "c0c1c2", sb.String())
}

func TestOllamaAnswerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"llama3\" not found"}`)
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama3", "", discardLogger())
	require.NoError(t, err)

	var gotErr error
	for _, err := range o.Answer(context.Background(), "hi") {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "not found")
}

func TestOllamaAnswerStopsWhenConsumerBreaks(t *testing.T) {
	srv := ollamaServer(t, 50)

	o, err := services.NewOllama(srv.URL, "llama3", "be nice", discardLogger())
	require.NoError(t, err)

	var got []string
	assert.NotPanics(t, func() {
		for chunk, err := range o.Answer(context.Background(), "hi") {
			require.NoError(t, err)
			got = append(got, chunk)
			break
		}
	})
	assert.Equal(t, []string{"c0"}, got)
}

func openAIServer(t *testing.T, deltas ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var payload chatPayload
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload)) {
			return
		}
		assert.Equal(t, "gpt", payload.Model)
		if assert.NotNil(t, payload.Stream) {
			assert.True(t, *payload.Stream)
		}
		if assert.NotNil(t, payload.Temperature) {
			assert.InDelta(t, 0.25, *payload.Temperature, 0.0001)
		}
		if assert.NotNil(t, payload.MaxTokens) {
			assert.Equal(t, 64, *payload.MaxTokens)
		}
		if assert.Len(t, payload.Messages, 2) {
			assert.Equal(t, "system", payload.Messages[0].Role)
			assert.Equal(t, "be nice", payload.Messages[0].Content)
			assert.Equal(t, "hi", payload.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openAIParams() services.LLMParameters {
	temperature := float32(0.25)
	maxTokens := 64
	return services.LLMParameters{Temperature: &temperature, MaxTokens: &maxTokens}
}

func TestOpenAIAnswer(t *testing.T) {
	srv := openAIServer(t, "Hel", "lo", " 👋")

	o := services.NewOpenAI("key", srv.URL, "gpt", "be nice", openAIParams(), discardLogger())

	var sb strings.Builder
	for chunk, err := range o.Answer(context.Background(), "hi") {
		require.NoError(t, err)
		sb.WriteString(chunk)
	}
	assert.Equal(t, "Hello 👋", sb.String())
}

func TestOpenAIAnswerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL, "gpt", "", services.LLMParameters{}, discardLogger())

	var gotErr error
	for _, err := range o.Answer(context.Background(), "hi") {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "slow down")
}

func TestOpenAIAnswerStopsWhenConsumerBreaks(t *testing.T) {
	srv := openAIServer(t, "a", "b", "c", "d")

	o := services.NewOpenAI("key", srv.URL, "gpt", "be nice", openAIParams(), discardLogger())

	var got []string
	assert.NotPanics(t, func() {
		for chunk, err := range o.Answer(context.Background(), "hi") {
			require.NoError(t, err)
			got = append(got, chunk)
			break
		}
	})
	assert.Equal(t, []string{"a"}, got)
}
