package store

import (
	"context"
	"fmt"

	"simforge/internal/embedding"
)

// MockEmbeddingEngine implements embedding.EmbeddingEngine for testing.
type MockEmbeddingEngine struct {
	EmbedFunc      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
	DimensionsFunc func() int
	NameFunc       func() string
}

func (m *MockEmbeddingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

func (m *MockEmbeddingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	result := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		result[i] = vec
	}
	return result, nil
}

func (m *MockEmbeddingEngine) Dimensions() int {
	if m.DimensionsFunc != nil {
		return m.DimensionsFunc()
	}
	return 4
}

func (m *MockEmbeddingEngine) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock-embedding-engine"
}

var _ embedding.EmbeddingEngine = (*MockEmbeddingEngine)(nil)

// MockErrorEmbeddingEngine always returns errors.
type MockErrorEmbeddingEngine struct{}

func (m *MockErrorEmbeddingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("mock error")
}

func (m *MockErrorEmbeddingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("mock error")
}

func (m *MockErrorEmbeddingEngine) Dimensions() int {
	return 4
}

func (m *MockErrorEmbeddingEngine) Name() string {
	return "mock-error-engine"
}
