package store

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"simforge/internal/skills"
)

// directionEngine maps keyword families to axis-aligned vectors so
// cosine rankings are deterministic.
func directionEngine() *MockEmbeddingEngine {
	return &MockEmbeddingEngine{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			lowered := strings.ToLower(text)
			switch {
			case strings.Contains(lowered, "thermal"):
				return []float32{0, 1, 0, 0}, nil
			case strings.Contains(lowered, "beam"):
				return []float32{1, 0, 0, 0}, nil
			case strings.Contains(lowered, "mesh"):
				return []float32{0, 0, 1, 0}, nil
			}
			return []float32{0, 0, 0, 1}, nil
		},
	}
}

func testSkills() []skills.Skill {
	return []skills.Skill{
		{Name: "beam-setup", Instructions: "Build a beam geometry and load it."},
		{Name: "thermal-setup", Instructions: "Apply thermal boundary conditions."},
		{Name: "mesh-setup", Instructions: "Generate the mesh before solving."},
	}
}

func TestSkillStore_IndexAndSearch(t *testing.T) {
	store, err := NewSkillStore(":memory:", directionEngine(), 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Index(ctx, testSkills()); err != nil {
		t.Fatalf("Index failed: %v", err)
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 indexed skills, got %d", count)
	}

	hits, err := store.Search(ctx, "set up thermal analysis", 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hits, got %d", len(hits))
	}
	if hits[0].Name != "thermal-setup" {
		t.Errorf("Top hit should be thermal-setup, got %s", hits[0].Name)
	}
	if hits[0].Distance > 0.001 {
		t.Errorf("Exact match should have near-zero distance, got %f", hits[0].Distance)
	}
	if !strings.Contains(hits[0].Instructions, "thermal boundary") {
		t.Errorf("Hit should carry instructions, got %q", hits[0].Instructions)
	}
}

func TestSkillStore_NoEngine(t *testing.T) {
	store, err := NewSkillStore(":memory:", nil, 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Index(ctx, testSkills()); err != nil {
		t.Fatalf("Index without engine should be a no-op, got %v", err)
	}

	count, _ := store.Count()
	if count != 0 {
		t.Errorf("Expected empty store without engine, got %d rows", count)
	}

	hits, err := store.Search(ctx, "thermal", 3)
	if err != nil {
		t.Fatalf("Search without engine should not error, got %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits without engine, got %d", len(hits))
	}
}

func TestSkillStore_SearchEmptyStore(t *testing.T) {
	store, err := NewSkillStore(":memory:", directionEngine(), 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	hits, err := store.Search(context.Background(), "thermal", 3)
	if err != nil {
		t.Fatalf("Search on empty store should not error, got %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits from empty store, got %d", len(hits))
	}
}

func TestSkillStore_DimensionMismatchSkipped(t *testing.T) {
	engine := &MockEmbeddingEngine{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			if strings.Contains(text, "beam") {
				return []float32{1, 0}, nil // wrong width
			}
			return []float32{0, 1, 0, 0}, nil
		},
	}
	store, err := NewSkillStore(":memory:", engine, 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Index(context.Background(), testSkills()); err != nil {
		t.Fatalf("Index failed: %v", err)
	}

	count, _ := store.Count()
	if count != 2 {
		t.Errorf("Mismatched skill should be skipped, expected 2 rows, got %d", count)
	}
}

func TestSkillStore_EmbedFailureSkipped(t *testing.T) {
	engine := &MockEmbeddingEngine{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			if strings.Contains(text, "mesh") {
				return nil, context.DeadlineExceeded
			}
			return []float32{0, 1, 0, 0}, nil
		},
	}
	store, err := NewSkillStore(":memory:", engine, 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Index(context.Background(), testSkills()); err != nil {
		t.Fatalf("Index should survive per-skill embed failures, got %v", err)
	}

	count, _ := store.Count()
	if count != 2 {
		t.Errorf("Failed skill should be skipped, expected 2 rows, got %d", count)
	}
}

func TestSkillStore_EnsureIndexedIdempotent(t *testing.T) {
	var embedCalls atomic.Int64
	engine := &MockEmbeddingEngine{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			embedCalls.Add(1)
			return []float32{0, 1, 0, 0}, nil
		},
	}
	store, err := NewSkillStore(":memory:", engine, 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	library := testSkills()
	if err := store.EnsureIndexed(ctx, library); err != nil {
		t.Fatalf("First EnsureIndexed failed: %v", err)
	}
	after := embedCalls.Load()
	if after != 3 {
		t.Fatalf("Expected 3 embed calls on first pass, got %d", after)
	}

	if err := store.EnsureIndexed(ctx, library); err != nil {
		t.Fatalf("Second EnsureIndexed failed: %v", err)
	}
	if embedCalls.Load() != after {
		t.Errorf("Second EnsureIndexed should not re-embed, calls went %d -> %d", after, embedCalls.Load())
	}
}

func TestSkillStore_IndexReplacesAll(t *testing.T) {
	store, err := NewSkillStore(":memory:", directionEngine(), 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Index(ctx, testSkills()); err != nil {
		t.Fatalf("First index failed: %v", err)
	}
	if err := store.Index(ctx, []skills.Skill{
		{Name: "solver-only", Instructions: "Run the beam study."},
	}); err != nil {
		t.Fatalf("Second index failed: %v", err)
	}

	count, _ := store.Count()
	if count != 1 {
		t.Fatalf("Reindex should replace everything, expected 1 row, got %d", count)
	}

	hits, err := store.Search(ctx, "thermal", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, h := range hits {
		if h.Name == "thermal-setup" {
			t.Errorf("Old skill survived reindex: %s", h.Name)
		}
	}
}

func TestSkillStore_PayloadTruncated(t *testing.T) {
	store, err := NewSkillStore(":memory:", directionEngine(), 40)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	defer store.Close()

	long := strings.Repeat("thermal boundary layer ", 20)
	ctx := context.Background()
	if err := store.Index(ctx, []skills.Skill{
		{Name: "thermal-long", Instructions: long},
	}); err != nil {
		t.Fatalf("Index failed: %v", err)
	}

	hits, err := store.Search(ctx, "thermal", 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit, got %d", len(hits))
	}
	if len(hits[0].Instructions) > 43 {
		t.Errorf("Payload should be capped, got %d bytes", len(hits[0].Instructions))
	}
	if !strings.HasSuffix(hits[0].Instructions, "...") {
		t.Errorf("Truncated payload should end with ellipsis, got %q", hits[0].Instructions)
	}
}

func TestSkillStore_PersistsAcrossOpens(t *testing.T) {
	path := t.TempDir() + "/skills.db"

	store, err := NewSkillStore(path, directionEngine(), 0)
	if err != nil {
		t.Fatalf("NewSkillStore failed: %v", err)
	}
	if err := store.Index(context.Background(), testSkills()); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	store.Close()

	reopened, err := NewSkillStore(path, directionEngine(), 0)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count()
	if err != nil {
		t.Fatalf("Count after reopen failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 rows after reopen, got %d", count)
	}

	hits, err := reopened.Search(context.Background(), "mesh refinement", 1)
	if err != nil {
		t.Fatalf("Search after reopen failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "mesh-setup" {
		t.Errorf("Expected mesh-setup from reopened store, got %+v", hits)
	}
}

func TestTruncatePayload(t *testing.T) {
	if got := truncatePayload("short", 100); got != "short" {
		t.Errorf("Short payload should pass through, got %q", got)
	}

	got := truncatePayload("abcdefghij", 5)
	if got != "abcde..." {
		t.Errorf("Expected abcde..., got %q", got)
	}

	// Cut point must not split a multi-byte rune.
	got = truncatePayload("钢材属性表", 4)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Expected ellipsis suffix, got %q", got)
	}
	for _, r := range strings.TrimSuffix(got, "...") {
		if r == '�' {
			t.Errorf("Truncation split a rune: %q", got)
		}
	}
}
