package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattzhub/voicerelay/internal/observability"
)

// Result is the uniform envelope every invocation resolves to. Failures are
// values, never panics: the backend decides the spoken recovery.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CallContext is forwarded to remote workflows alongside the tool arguments.
type CallContext struct {
	CallSID      string `json:"callSid,omitempty"`
	StreamSID    string `json:"streamSid,omitempty"`
	CallerNumber string `json:"callerNumber,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Invocation names one pending tool call for parallel execution.
type Invocation struct {
	Name         string
	InvocationID string
	Arguments    map[string]any
}

// Invoker resolves tool names to webhook endpoints (or the local guide) and
// normalizes every outcome into a Result.
type Invoker struct {
	baseURL  string
	apiToken string
	client   *http.Client
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewInvoker(baseURL, apiToken string, metrics *observability.Metrics, log zerolog.Logger) *Invoker {
	return &Invoker{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiToken: strings.TrimSpace(apiToken),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		metrics: metrics,
		log:     log.With().Str("component", "tools").Logger(),
	}
}

// Invoke executes one tool and always returns a Result, never an error.
func (inv *Invoker) Invoke(ctx context.Context, toolName string, args map[string]any, call CallContext) Result {
	if toolName == GuideToolName {
		topic, _ := args["topic"].(string)
		resolved, info := ResolveTopic(topic)
		inv.count(toolName, "local")
		return Result{Success: true, Data: map[string]any{"topic": resolved, "info": info}}
	}

	endpoint, ok := endpoints[toolName]
	if !ok {
		inv.count(toolName, "unknown")
		return Result{Success: false, Error: fmt.Sprintf("Unknown tool: %s", toolName)}
	}

	if call.Timestamp == "" {
		call.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload := make(map[string]any, len(args)+1)
	for k, v := range args {
		payload[k] = v
	}
	payload["_context"] = call

	body, err := json.Marshal(payload)
	if err != nil {
		inv.count(toolName, "error")
		return Result{Success: false, Error: fmt.Sprintf("Failed to execute tool: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		inv.count(toolName, "error")
		return Result{Success: false, Error: fmt.Sprintf("Failed to execute tool: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+inv.apiToken)
	}

	start := time.Now()
	res, err := inv.client.Do(req)
	if err != nil {
		inv.count(toolName, "error")
		inv.log.Warn().Err(err).Str("tool", toolName).Msg("tool webhook unreachable")
		return Result{Success: false, Error: fmt.Sprintf("Failed to execute tool: %v", err)}
	}
	defer res.Body.Close()
	if inv.metrics != nil {
		inv.metrics.ObserveToolInvoke(time.Since(start))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		inv.count(toolName, "http_error")
		inv.log.Warn().
			Str("tool", toolName).
			Int("status", res.StatusCode).
			Str("body", string(detail)).
			Msg("tool webhook returned non-success status")
		return Result{Success: false, Error: fmt.Sprintf("Tool execution failed: %d %s", res.StatusCode, http.StatusText(res.StatusCode))}
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		inv.count(toolName, "error")
		return Result{Success: false, Error: fmt.Sprintf("Failed to execute tool: %v", err)}
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		inv.count(toolName, "error")
		return Result{Success: false, Error: fmt.Sprintf("Failed to execute tool: %v", err)}
	}
	// Workflow engines often wrap a single item in a one-element array.
	if arr, ok := data.([]any); ok && len(arr) == 1 {
		data = arr[0]
	}

	inv.count(toolName, "ok")
	return Result{Success: true, Data: data}
}

// InvokeAll executes independent invocations concurrently and returns the
// results keyed by invocation id.
func (inv *Invoker) InvokeAll(ctx context.Context, calls []Invocation, call CallContext) map[string]Result {
	results := make(map[string]Result, len(calls))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range calls {
		wg.Add(1)
		go func(c Invocation) {
			defer wg.Done()
			res := inv.Invoke(ctx, c.Name, c.Arguments, call)
			mu.Lock()
			results[c.InvocationID] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

func (inv *Invoker) count(tool, outcome string) {
	if inv.metrics != nil {
		inv.metrics.ToolInvocations.WithLabelValues(tool, outcome).Inc()
	}
}
