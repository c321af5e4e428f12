package memory

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *VectorStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewVectorStoreWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestVectorUpsertAndGet(t *testing.T) {
	store := setupTestStore(t)

	emb := []float32{0.1, 0.2, 0.3}
	rec, err := store.Upsert("notes", "note-1", "the meeting is at noon", emb)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec.ID.String() == "" {
		t.Error("expected generated ID")
	}

	got, err := store.Get("notes", "note-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "the meeting is at noon" {
		t.Errorf("unexpected content: %q", got.Content)
	}
	if got.Collection != "notes" || got.Key != "note-1" {
		t.Errorf("unexpected addressing: %s/%s", got.Collection, got.Key)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("expected 3-dim embedding, got %d", len(got.Embedding))
	}
	for i := range emb {
		if got.Embedding[i] != emb[i] {
			t.Errorf("embedding[%d]: got %f, want %f", i, got.Embedding[i], emb[i])
		}
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestVectorUpsertReplaces(t *testing.T) {
	store := setupTestStore(t)

	first, err := store.Upsert("notes", "note-1", "old content", []float32{1, 0})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := store.Upsert("notes", "note-1", "new content", []float32{0, 1})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("upsert changed ID: %s -> %s", first.ID, second.ID)
	}
	if second.CreatedAt.IsZero() {
		t.Error("second upsert returned zero created_at")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("upsert changed created_at: %s -> %s", first.CreatedAt, second.CreatedAt)
	}

	got, err := store.Get("notes", "note-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "new content" {
		t.Errorf("expected updated content, got %q", got.Content)
	}
	if got.Embedding[0] != 0 || got.Embedding[1] != 1 {
		t.Errorf("expected updated embedding, got %v", got.Embedding)
	}
}

func TestVectorGetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get("notes", "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestVectorDelete(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.Upsert("notes", "note-1", "content", []float32{1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Delete("notes", "note-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("notes", "note-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected record gone, got %v", err)
	}

	err := store.Delete("notes", "note-1")
	if err == nil {
		t.Fatal("expected error deleting missing record")
	}
}

func TestVectorSearchRanks(t *testing.T) {
	store := setupTestStore(t)

	seed := map[string][]float32{
		"identical":  {1, 0, 0},
		"close":      {0.9, 0.1, 0},
		"orthogonal": {0, 1, 0},
		"opposite":   {-1, 0, 0},
	}
	for key, emb := range seed {
		if _, err := store.Upsert("notes", key, "content for "+key, emb); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}

	results, err := store.Search("notes", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Record.Key != "identical" {
		t.Errorf("expected identical first, got %q", results[0].Record.Key)
	}
	if results[1].Record.Key != "close" {
		t.Errorf("expected close second, got %q", results[1].Record.Key)
	}
	if math.Abs(float64(results[0].Score-1)) > 0.0001 {
		t.Errorf("expected score 1 for identical vector, got %f", results[0].Score)
	}
}

func TestVectorSearchScopedToCollection(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.Upsert("notes", "a", "note", []float32{1, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.Upsert("docs", "b", "doc", []float32{1, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := store.Search("notes", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Record.Key != "a" {
		t.Errorf("expected key a, got %q", results[0].Record.Key)
	}
}

func TestVectorSearchTopKDefault(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("rec-%d", i)
		if _, err := store.Upsert("notes", key, key, []float32{float32(i), 1}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	results, err := store.Search("notes", []float32{1, 1}, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("expected default of 5 results, got %d", len(results))
	}
}

func TestEncodeDecodeEmbedding(t *testing.T) {
	// 1.0 is 0x3f800000; little-endian puts the high byte last.
	got := encodeEmbedding([]float32{1.0})
	want := []byte{0x00, 0x00, 0x80, 0x3f}
	if !bytes.Equal(got, want) {
		t.Errorf("encode: got % x, want % x", got, want)
	}

	v, err := decodeEmbedding(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(v) != 1 || v[0] != 1.0 {
		t.Errorf("round trip: got %v", v)
	}

	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{
			name:     "identical",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0, 0},
			expected: 1.0,
		},
		{
			name:     "orthogonal",
			a:        []float32{1, 0},
			b:        []float32{0, 1},
			expected: 0.0,
		},
		{
			name:     "opposite",
			a:        []float32{1, 1},
			b:        []float32{-1, -1},
			expected: -1.0,
		},
		{
			name:     "mismatched length",
			a:        []float32{1},
			b:        []float32{1, 2},
			expected: 0.0,
		},
		{
			name:     "zero vector",
			a:        []float32{0, 0},
			b:        []float32{1, 1},
			expected: 0.0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := cosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 0.0001 {
				t.Errorf("got %f, want %f", got, tc.expected)
			}
		})
	}
}
