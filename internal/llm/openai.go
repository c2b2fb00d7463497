package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const summarizePrompt = `Summarize the following conversation into a short paragraph.
Keep durable facts, decisions and unresolved questions. Write plain prose, no lists.

Conversation:
%s`

// OpenAIClient talks to any OpenAI-compatible chat completion backend and
// adapts its SSE stream to the poll-based streaming triplet.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu     sync.Mutex
	buf    strings.Builder
	status string
	cancel context.CancelFunc
}

func NewOpenAIClient(baseURL, apiKey, model string, maxTokens int, temperature float64, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		apiKey:      strings.TrimSpace(apiKey),
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:       strings.TrimSpace(model),
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
		streams:     make(map[string]*stream),
	}
}

func (c *OpenAIClient) buildBody(req Request, streaming bool) map[string]any {
	body := map[string]any{
		"model":    c.model,
		"messages": wireMessages(req.Messages),
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}
	if c.temperature > 0 {
		body["temperature"] = c.temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
		if req.ToolChoice != "" {
			body["tool_choice"] = req.ToolChoice
		}
	}
	if streaming {
		body["stream"] = true
	}
	return body
}

func wireMessages(msgs []Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		wm := map[string]any{
			"role":    m.Role,
			"content": m.Content,
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			wm["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			wm["tool_call_id"] = m.ToolCallID
		}
		out = append(out, wm)
	}
	return out
}

func (c *OpenAIClient) newRequest(ctx context.Context, body map[string]any) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("missing base url")
	}
	if c.model == "" {
		return nil, fmt.Errorf("missing model")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Chat sends one non-streaming completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (Result, error) {
	httpReq, err := c.newRequest(ctx, c.buildBody(req, false))
	if err != nil {
		return Result{}, fmt.Errorf("chat: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("chat: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("chat: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("chat: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Result{}, fmt.Errorf("chat: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, fmt.Errorf("chat: empty choices in response")
	}

	msg := decoded.Choices[0].Message
	result := Result{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				log.Printf("[llm] tool call %s: unparsable arguments, passing empty: %v", tc.Function.Name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return result, nil
}

// StartStream launches a streaming completion in the background and returns
// its id. The stream's lifetime is independent of the caller's context;
// EndStream or a backend termination closes it.
func (c *OpenAIClient) StartStream(_ context.Context, req Request) (string, error) {
	sctx, cancel := context.WithCancel(context.Background())
	httpReq, err := c.newRequest(sctx, c.buildBody(req, true))
	if err != nil {
		cancel()
		return "", fmt.Errorf("start stream: %w", err)
	}

	id := uuid.NewString()
	st := &stream{status: StatusProcessing, cancel: cancel}
	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	go c.readStream(id, st, httpReq)
	return id, nil
}

func (c *OpenAIClient) readStream(id string, st *stream, req *http.Request) {
	finish := func(status string) {
		st.mu.Lock()
		st.status = status
		st.mu.Unlock()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[llm] stream %s: send request: %v", id, err)
		finish(StatusFailed)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		log.Printf("[llm] stream %s: http %d: %s", id, resp.StatusCode, strings.TrimSpace(string(respBody)))
		finish(StatusFailed)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			finish(StatusDone)
			return
		}
		var event struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			log.Printf("[llm] stream %s: skipping malformed event: %v", id, err)
			continue
		}
		if len(event.Choices) > 0 && event.Choices[0].Delta.Content != "" {
			st.mu.Lock()
			st.buf.WriteString(event.Choices[0].Delta.Content)
			st.mu.Unlock()
		}
	}
	if err := scanner.Err(); err != nil {
		// Cancellation through EndStream also lands here.
		log.Printf("[llm] stream %s: read ended: %v", id, err)
		finish(StatusFailed)
		return
	}
	finish(StatusDone)
}

// PollStream returns the text accumulated since cursor and the stream
// status. An unknown id reports a failed stream rather than an error.
func (c *OpenAIClient) PollStream(_ context.Context, streamID string, cursor int) (Poll, error) {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return Poll{Status: StatusFailed, NextCursor: cursor}, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	content := st.buf.String()
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(content) {
		cursor = len(content)
	}
	chunk := content[cursor:]
	status := st.status
	// Deliver remaining text before reporting termination.
	if chunk != "" && status != StatusProcessing {
		status = StatusProcessing
	}
	return Poll{Status: status, Chunk: chunk, NextCursor: len(content)}, nil
}

// EndStream cancels the backend request and forgets the stream.
func (c *OpenAIClient) EndStream(_ context.Context, streamID string) error {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	st.cancel()
	return nil
}

// Summarize condenses messages into one short paragraph. Tool payload is
// skipped; only user and assistant text contributes.
func (c *OpenAIClient) Summarize(ctx context.Context, msgs []Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("summarize: nothing to summarize")
	}

	res, err := c.Chat(ctx, Request{Messages: []Message{{
		Role:    "user",
		Content: fmt.Sprintf(summarizePrompt, b.String()),
	}}})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(res.Content), nil
}
