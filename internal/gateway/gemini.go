package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marksman/internal/logging"
	"marksman/internal/types"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	// Grading wants near-deterministic output.
	geminiTemperature = 0.1
)

// GeminiProvider is a raw HTTP client for the Gemini API: generateContent
// for unary calls, streamGenerateContent (SSE) for streaming. Retry on
// 429/5xx is left to the envelope around the call.
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGeminiProvider builds the provider. model is the default; requests may
// override it.
func NewGeminiProvider(apiKey, model, baseURL string, timeout time.Duration) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Wire types, trimmed to the fields this client touches.

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *GeminiProvider) buildRequest(req *Request) *geminiRequest {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: img.MIME,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	out := &geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      geminiTemperature,
			ResponseMimeType: "application/json",
		},
	}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	return out
}

func (p *GeminiProvider) modelFor(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *GeminiProvider) post(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapErr(types.KindCancellation, "gemini request interrupted", ctx.Err())
		}
		return nil, types.WrapErr(types.KindTransientRemote, "gemini request failed", err)
	}
	return resp, nil
}

// statusError classifies a non-200 API status.
func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("gemini api status %d: %s", status, truncate(string(body), 300))
	if status == http.StatusTooManyRequests || status >= 500 {
		return types.E(types.KindTransientRemote, msg)
	}
	return types.E(types.KindValidation, msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Complete performs a unary generateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.modelFor(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, model)

	resp, err := p.post(ctx, url, p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapErr(types.KindTransientRemote, "gemini response read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, types.WrapErr(types.KindTransientRemote, "gemini response undecodable", err)
	}
	if gr.Error != nil {
		return nil, statusError(gr.Error.Code, body)
	}
	if len(gr.Candidates) == 0 {
		return nil, types.E(types.KindTransientRemote, "gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	out := &Response{Text: text.String(), Model: model}
	if gr.UsageMetadata != nil {
		out.PromptTokens = gr.UsageMetadata.PromptTokenCount
		out.CompletionTokens = gr.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

// CompleteStream performs streamGenerateContent over SSE, invoking onChunk
// per data frame and returning the assembled response.
func (p *GeminiProvider) CompleteStream(ctx context.Context, req *Request, onChunk func(string)) (*Response, error) {
	model := p.modelFor(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)

	resp, err := p.post(ctx, url, p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, body)
	}

	out := &Response{Model: model}
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			logging.GatewayDebug("skipping undecodable sse frame: %v", err)
			continue
		}
		if gr.Error != nil {
			return nil, statusError(gr.Error.Code, []byte(data))
		}
		for _, cand := range gr.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				text.WriteString(part.Text)
				if onChunk != nil {
					onChunk(part.Text)
				}
			}
		}
		if gr.UsageMetadata != nil {
			out.PromptTokens = gr.UsageMetadata.PromptTokenCount
			out.CompletionTokens = gr.UsageMetadata.CandidatesTokenCount
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapErr(types.KindCancellation, "gemini stream interrupted", ctx.Err())
		}
		return nil, types.WrapErr(types.KindTransientRemote, "gemini stream read failed", err)
	}
	out.Text = text.String()
	return out, nil
}
