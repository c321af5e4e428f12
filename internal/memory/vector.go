package memory

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is a stored embedding with its source content.
type Record struct {
	ID         uuid.UUID `json:"id"`
	Collection string    `json:"collection"`
	Key        string    `json:"key"` // Unique within collection
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchResult pairs a record with its similarity to the query.
type SearchResult struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// VectorStore persists embeddings in SQLite and searches them by cosine
// similarity. Similarity is computed in process; the table is scanned per
// collection, which is fine for the collection sizes this serves.
type VectorStore struct {
	db *sql.DB
}

// NewVectorStore creates a vector store at the given database path.
// The schema is created automatically on first use.
func NewVectorStore(dbPath string) (*VectorStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &VectorStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewVectorStoreWithDB creates a vector store using an existing database
// connection.
func NewVectorStoreWithDB(db *sql.DB) (*VectorStore, error) {
	s := &VectorStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *VectorStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(collection, key)
		);

		CREATE INDEX IF NOT EXISTS idx_vectors_collection ON vectors(collection);
	`)
	return err
}

// Close closes the database connection.
func (s *VectorStore) Close() error {
	return s.db.Close()
}

// Upsert creates or replaces the record for a key within a collection.
// An existing row keeps its id and created_at; content and embedding
// are replaced.
func (s *VectorStore) Upsert(collection, key, content string, embedding []float32) (*Record, error) {
	blob := encodeEmbedding(embedding)
	id, _ := uuid.NewV7()
	now := time.Now().UTC()

	// One statement, so concurrent same-key upserts cannot both take
	// an insert path; the conflict clause turns the loser into the
	// update.
	_, err := s.db.Exec(`
		INSERT INTO vectors (id, collection, key, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding
	`, id.String(), collection, key, content, blob, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}

	// Read back the surviving row: on conflict the original id and
	// created_at win over the candidate values above.
	rec := &Record{
		Collection: collection,
		Key:        key,
		Content:    content,
		Embedding:  embedding,
	}
	var idStr, createdStr string
	err = s.db.QueryRow(`SELECT id, created_at FROM vectors WHERE collection = ? AND key = ?`,
		collection, key).Scan(&idStr, &createdStr)
	if err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}
	rec.ID, _ = uuid.Parse(idStr)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	return rec, nil
}

// Get retrieves a record by collection and key.
func (s *VectorStore) Get(collection, key string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, collection, key, content, embedding, created_at
		FROM vectors WHERE collection = ? AND key = ?
	`, collection, key)

	var rec Record
	var idStr, createdStr string
	var blob []byte
	err := row.Scan(&idStr, &rec.Collection, &rec.Key, &rec.Content, &blob, &createdStr)
	if err != nil {
		return nil, err
	}

	rec.ID, _ = uuid.Parse(idStr)
	rec.Embedding, err = decodeEmbedding(blob)
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)

	return &rec, nil
}

// Delete removes a record.
func (s *VectorStore) Delete(collection, key string) error {
	result, err := s.db.Exec(`DELETE FROM vectors WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("vector not found: %s/%s", collection, key)
	}
	return nil
}

// Search returns the topK records in a collection most similar to the
// query embedding, best first. Records whose embedding length differs
// from the query score zero.
func (s *VectorStore) Search(collection string, query []float32, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	rows, err := s.db.Query(`
		SELECT id, collection, key, content, embedding, created_at
		FROM vectors WHERE collection = ?
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var rec Record
		var idStr, createdStr string
		var blob []byte
		if err := rows.Scan(&idStr, &rec.Collection, &rec.Key, &rec.Content, &blob, &createdStr); err != nil {
			return nil, err
		}
		rec.ID, _ = uuid.Parse(idStr)
		rec.Embedding, err = decodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", rec.Key, err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)

		results = append(results, SearchResult{
			Record: rec,
			Score:  cosineSimilarity(query, rec.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Simple selection sort for top k (fine for small k)
	for i := 0; i < topK && i < len(results); i++ {
		maxIdx := i
		for j := i + 1; j < len(results); j++ {
			if results[j].Score > results[maxIdx].Score {
				maxIdx = j
			}
		}
		results[i], results[maxIdx] = results[maxIdx], results[i]
	}

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Stats returns vector store statistics.
func (s *VectorStore) Stats() map[string]any {
	var total int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM vectors`).Scan(&total)

	colls := make(map[string]int)
	rows, err := s.db.Query(`SELECT collection, COUNT(*) FROM vectors GROUP BY collection`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var coll string
			var count int
			if rows.Scan(&coll, &count) == nil {
				colls[coll] = count
			}
		}
	}

	return map[string]any{
		"total":       total,
		"collections": colls,
	}
}

// encodeEmbedding packs a vector as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
