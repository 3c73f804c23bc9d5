package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Client is an HTTP client for one model served by the Ollama backend.
// A Client is safe for concurrent use once loaded.
type Client struct {
	ModelName     string
	BaseURL       string
	MaxTokens     int
	Temperature   float64
	ContextWindow int
	KeepAlive     string

	timeout time.Duration
	http    *http.Client
	log     *zap.Logger
	loaded  atomic.Bool
}

// ClientParams configures a new Client.
type ClientParams struct {
	ModelName     string
	BaseURL       string
	MaxTokens     int
	Temperature   float64
	ContextWindow int
	Timeout       time.Duration
	KeepAlive     string
}

// NewClient builds a client. The model is not contacted until Load.
func NewClient(p ClientParams, log *zap.Logger) *Client {
	if p.MaxTokens <= 0 {
		p.MaxTokens = 2048
	}
	if p.Timeout <= 0 {
		p.Timeout = 120 * time.Second
	}
	return &Client{
		ModelName:     p.ModelName,
		BaseURL:       strings.TrimRight(p.BaseURL, "/"),
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		ContextWindow: p.ContextWindow,
		KeepAlive:     p.KeepAlive,
		timeout:       p.Timeout,
		http:          &http.Client{Timeout: p.Timeout},
		log:           log.Named("llm").With(zap.String("model", p.ModelName)),
	}
}

// IsLoaded reports whether Load has completed successfully.
func (c *Client) IsLoaded() bool {
	return c.loaded.Load()
}

// Load verifies the model is installed and warms it up with a one-token
// generation so the first real request does not pay the load cost.
func (c *Client) Load(ctx context.Context) error {
	installed, err := c.ListModels(ctx)
	if err != nil {
		return err
	}

	base := strings.SplitN(c.ModelName, ":", 2)[0]
	found := false
	for _, name := range installed {
		if strings.Contains(name, c.ModelName) || strings.HasPrefix(name, base) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrModelNotFound, c.ModelName)
	}

	c.log.Info("warming up model")

	body := map[string]any{
		"model":   c.ModelName,
		"prompt":  "Hello",
		"stream":  false,
		"options": map[string]any{"num_predict": 1},
	}
	if c.KeepAlive != "" {
		body["keep_alive"] = c.KeepAlive
	}

	resp, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.loaded.Store(true)
	c.log.Info("model loaded")
	return nil
}

// Unload marks the slot unloaded. The backend evicts the weights on its own
// keep-alive schedule.
func (c *Client) Unload() {
	c.loaded.Store(false)
	c.http.CloseIdleConnections()
	c.log.Info("model unloaded")
}

// Generate runs a non-streaming chat completion.
func (c *Client) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Response, error) {
	if !c.loaded.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, c.ModelName)
	}

	start := time.Now()

	resp, err := c.post(ctx, "/api/chat", c.chatRequest(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var data struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		DoneReason      string `json:"done_reason"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrGeneration, err)
	}

	finish := data.DoneReason
	if finish == "" {
		finish = "stop"
	}

	return &Response{
		Content:          data.Message.Content,
		Model:            c.ModelName,
		PromptTokens:     data.PromptEvalCount,
		CompletionTokens: data.EvalCount,
		TotalTokens:      data.PromptEvalCount + data.EvalCount,
		Duration:         time.Since(start),
		FinishReason:     finish,
	}, nil
}

// Stream runs a streaming chat completion, invoking fn for every chunk.
// The final chunk has Final set and carries the backend token counts.
// A non-nil error from fn stops the stream and is returned.
func (c *Client) Stream(ctx context.Context, messages []Message, opts GenerateOptions, fn func(Chunk) error) error {
	if !c.loaded.Load() {
		return fmt.Errorf("%w: %s", ErrNotLoaded, c.ModelName)
	}

	resp, err := c.post(ctx, "/api/chat", c.chatRequest(messages, opts, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var data struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Done       bool   `json:"done"`
			DoneReason string `json:"done_reason"`
			EvalCount  int    `json:"eval_count"`
		}
		if err := json.Unmarshal(line, &data); err != nil {
			c.log.Warn("skipping malformed stream chunk", zap.Error(err))
			continue
		}

		if data.Message.Content == "" && !data.Done {
			continue
		}

		chunk := Chunk{Content: data.Message.Content, Final: data.Done}
		if data.Done {
			chunk.DoneReason = data.DoneReason
			chunk.EvalCount = data.EvalCount
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if data.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return c.wrapTransportErr(err)
	}
	return nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.post(ctx, "/api/embeddings", map[string]any{
		"model":  c.ModelName,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var data struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: decoding embedding: %v", ErrGeneration, err)
	}
	return data.Embedding, nil
}

// HealthCheck reports whether the backend answers /api/tags.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.ListModels(ctx)
	return err == nil
}

// ListModels returns the names of all models installed in the backend.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: /api/tags returned %d", ErrGeneration, resp.StatusCode)
	}

	var data struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: decoding model list: %v", ErrGeneration, err)
	}

	names := make([]string, 0, len(data.Models))
	for _, m := range data.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) chatRequest(messages []Message, opts GenerateOptions, stream bool) map[string]any {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.MaxTokens
	}
	temperature := c.Temperature
	if opts.TemperatureSet {
		temperature = opts.Temperature
	}

	options := map[string]any{
		"num_predict": maxTokens,
		"temperature": temperature,
	}
	if len(opts.Stop) > 0 {
		options["stop"] = opts.Stop
	}

	body := map[string]any{
		"model":    c.ModelName,
		"messages": messages,
		"stream":   stream,
		"options":  options,
	}
	if c.KeepAlive != "" {
		body["keep_alive"] = c.KeepAlive
	}
	return body
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrapTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrGeneration, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *Client) wrapTransportErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
