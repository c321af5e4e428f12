package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ranaroussi/muxi-sub001/internal/memory"
)

// Embedder produces vector embeddings for text. Implemented by
// *llm.OllamaClient.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// notesCollection is the vector store collection backing the memory
// tools. One collection is enough; keys partition the notes.
const notesCollection = "notes"

// RegisterMemory adds the memory_store and memory_search tools backed
// by the given vector store and embedder. Notes persist across
// restarts and are retrieved by semantic similarity, not exact match.
func RegisterMemory(r *Registry, store *memory.VectorStore, emb Embedder) {
	r.Register(&Tool{
		Name: "memory_store",
		Description: "Save a note to long-term memory. Notes survive restarts and " +
			"are found later by meaning, so write self-contained statements " +
			"(\"The user's staging server is at 10.0.3.7\") rather than fragments.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The note to remember.",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Stable identifier for the note. Reusing a key overwrites the earlier note. Omit to always add a new one.",
				},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content, _ := args["content"].(string)
			if content == "" {
				return "", fmt.Errorf("memory_store: content is required")
			}
			key, _ := args["key"].(string)
			if key == "" {
				key = uuid.NewString()
			}

			embedding, err := emb.Embed(ctx, content)
			if err != nil {
				return "", fmt.Errorf("embed note: %w", err)
			}
			if _, err := store.Upsert(notesCollection, key, content, embedding); err != nil {
				return "", fmt.Errorf("store note: %w", err)
			}
			return fmt.Sprintf("Stored note %s.", key), nil
		},
	})

	r.Register(&Tool{
		Name: "memory_search",
		Description: "Search long-term memory for notes related to a query. " +
			"Returns the closest matches by meaning with similarity scores. " +
			"Use before answering questions about things you may have been told earlier.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum notes to return. Default: 5.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("memory_search: query is required")
			}
			limit := 5
			if l, ok := args["limit"].(float64); ok && l > 0 {
				limit = int(l)
			}

			embedding, err := emb.Embed(ctx, query)
			if err != nil {
				return "", fmt.Errorf("embed query: %w", err)
			}
			results, err := store.Search(notesCollection, embedding, limit)
			if err != nil {
				return "", fmt.Errorf("search notes: %w", err)
			}
			if len(results) == 0 {
				return "No stored notes matched.", nil
			}

			var b strings.Builder
			for i, res := range results {
				fmt.Fprintf(&b, "%d. [%.2f] %s\n", i+1, res.Score, res.Record.Content)
			}
			return b.String(), nil
		},
	})
}
