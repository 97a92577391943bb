package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// genAIMaxBatch mirrors the API's per-request item cap; larger batches
// are chunked and issued sequentially.
const genAIMaxBatch = 100

// genAIDimensions is the width of gemini-embedding-001 vectors.
const genAIDimensions = 3072

func int32Ptr(i int32) *int32 { return &i }

// GenAIEngine embeds via Google's Gemini API. Grounded on the teacher's
// internal/embedding/genai.go client bring-up and batch-chunking shape.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates a GenAI embedding engine.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("embedding: create genai client: %w", err)
	}

	return &GenAIEngine{client: client, model: model}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts, chunking to stay
// within the API's per-request item cap.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) <= genAIMaxBatch {
		return e.embedChunk(ctx, texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += genAIMaxBatch {
		end := start + genAIMaxBatch
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding: genai batch [%d:%d]: %w", start, end, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (e *GenAIEngine) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(genAIDimensions),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: genai returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions returns the engine's vector width.
func (e *GenAIEngine) Dimensions() int { return genAIDimensions }

// Name identifies the provider and model.
func (e *GenAIEngine) Name() string { return fmt.Sprintf("genai:%s", e.model) }
