package gateway

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"marksman/internal/types"
)

// GenaiProvider drives the same surface as GeminiProvider through the
// official SDK. Selected with provider "genai" in configuration.
type GenaiProvider struct {
	client *genai.Client
	model  string
}

// NewGenaiProvider builds the SDK client.
func NewGenaiProvider(ctx context.Context, apiKey, model string) (*GenaiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenaiProvider{client: client, model: model}, nil
}

func (p *GenaiProvider) Name() string { return "genai" }

func (p *GenaiProvider) modelFor(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *GenaiProvider) buildContents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIME))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](geminiTemperature),
		ResponseMIMEType: "application/json",
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return contents, cfg
}

func usageOf(resp *genai.GenerateContentResponse, out *Response) {
	if resp.UsageMetadata != nil {
		out.PromptTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
}

// Complete performs a unary call.
func (p *GenaiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.modelFor(req)
	contents, cfg := p.buildContents(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapErr(types.KindCancellation, "genai request interrupted", ctx.Err())
		}
		return nil, types.WrapErr(types.KindTransientRemote, "genai request failed", err)
	}

	out := &Response{Text: resp.Text(), Model: model}
	usageOf(resp, out)
	return out, nil
}

// CompleteStream performs a streaming call, invoking onChunk per partial
// response.
func (p *GenaiProvider) CompleteStream(ctx context.Context, req *Request, onChunk func(string)) (*Response, error) {
	model := p.modelFor(req)
	contents, cfg := p.buildContents(req)

	out := &Response{Model: model}
	var text strings.Builder
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.WrapErr(types.KindCancellation, "genai stream interrupted", ctx.Err())
			}
			return nil, types.WrapErr(types.KindTransientRemote, "genai stream failed", err)
		}
		chunk := resp.Text()
		if chunk != "" {
			text.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		usageOf(resp, out)
	}
	out.Text = text.String()
	return out, nil
}
