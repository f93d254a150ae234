// Package store persists skill embeddings in SQLite for top-K recall.
// With the sqlite_vec build tag the vec0 extension serves ANN queries;
// the default pure-Go build scans embeddings with cosine similarity.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"simforge/internal/embedding"
	"simforge/internal/logging"
	"simforge/internal/skills"
)

// searchTimeout bounds one vector search end to end, query embedding
// included.
const searchTimeout = 5 * time.Second

// embedConcurrency bounds parallel embedding calls during indexing.
const embedConcurrency = 4

// SkillStore persists skill vectors and payloads in a SQLite database.
type SkillStore struct {
	db         *sql.DB
	mu         sync.RWMutex
	dbPath     string
	engine     embedding.EmbeddingEngine // nil disables semantic search
	vectorExt  bool
	maxPayload int
}

// NewSkillStore opens or creates the skill database at path. engine may
// be nil, in which case Index skips every skill and Search returns
// nothing.
func NewSkillStore(path string, engine embedding.EmbeddingEngine, maxPayload int) (*SkillStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSkillStore")
	defer timer.Stop()

	logging.Store("opening skill store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	if maxPayload <= 0 {
		maxPayload = 32000
	}

	s := &SkillStore{
		db:         db,
		dbPath:     path,
		engine:     engine,
		maxPayload: maxPayload,
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN search enabled")
	} else {
		logging.StoreDebug("sqlite-vec unavailable, using brute-force cosine scan")
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the skills table and, when available, the vec0
// companion table.
func (s *SkillStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS skills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		instructions TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_skills_name ON skills(name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create skills table: %w", err)
	}

	s.createVecTable()
	return nil
}

// createVecTable creates the vec0 virtual table. Failure is non-fatal;
// search falls back to the brute-force scan.
func (s *SkillStore) createVecTable() {
	if !s.vectorExt || s.engine == nil {
		return
	}
	stmt := fmt.Sprintf(`
	CREATE VIRTUAL TABLE IF NOT EXISTS vec_skills USING vec0(
		embedding float[%d],
		name TEXT
	);
	`, s.engine.Dimensions())
	if _, err := s.db.Exec(stmt); err != nil {
		logging.StoreWarn("failed to create vec_skills table: %v", err)
		s.vectorExt = false
	}
}

// detectVecExtension probes for vec0 virtual table support.
func (s *SkillStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Index replaces the whole index atomically: drop, recreate, reinsert.
// Skills the embedder cannot embed are skipped; skills whose vector
// width differs from the engine's configured dimensions are skipped
// with a warning.
func (s *SkillStore) Index(ctx context.Context, library []skills.Skill) error {
	timer := logging.StartTimer(logging.CategoryStore, "Index")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		logging.StoreDebug("no embedding engine, index skipped")
		return nil
	}

	vectors := s.embedLibrary(ctx, library)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DROP TABLE IF EXISTS skills"); err != nil {
		return fmt.Errorf("failed to drop skills table: %w", err)
	}
	if _, err := tx.Exec(`
		CREATE TABLE skills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to recreate skills table: %w", err)
	}
	if _, err := tx.Exec("CREATE INDEX idx_skills_name ON skills(name)"); err != nil {
		return fmt.Errorf("failed to recreate name index: %w", err)
	}

	dims := s.engine.Dimensions()
	indexed := 0
	for i, skill := range library {
		vec := vectors[i]
		if vec == nil {
			logging.StoreDebug("skipping %s: no embedding", skill.Name)
			continue
		}
		if len(vec) != dims {
			logging.StoreWarn("skipping %s: embedding dimension %d != configured %d", skill.Name, len(vec), dims)
			continue
		}

		payload := truncatePayload(skill.Instructions, s.maxPayload)
		if _, err := tx.Exec(
			"INSERT INTO skills (name, instructions, embedding) VALUES (?, ?, ?)",
			skill.Name, payload, encodeFloat32SliceToBlob(vec),
		); err != nil {
			return fmt.Errorf("failed to insert skill %s: %w", skill.Name, err)
		}
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index: %w", err)
	}

	s.reindexVecTable()

	logging.Store("indexed %d/%d skills", indexed, len(library))
	return nil
}

// embedLibrary embeds every skill, bounded-parallel. A nil entry marks
// a skill whose embedding failed.
func (s *SkillStore) embedLibrary(ctx context.Context, library []skills.Skill) [][]float32 {
	vectors := make([][]float32, len(library))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, skill := range library {
		i, skill := i, skill
		g.Go(func() error {
			vec, err := s.engine.Embed(gctx, skill.EmbeddingText())
			if err != nil {
				logging.StoreWarn("embed failed for %s: %v", skill.Name, err)
				return nil // skip, never fail the batch
			}
			vectors[i] = vec
			return nil
		})
	}
	_ = g.Wait()
	return vectors
}

// reindexVecTable rebuilds the vec0 companion from the skills table.
// Best-effort: errors disable the ANN path for this process.
func (s *SkillStore) reindexVecTable() {
	if !s.vectorExt {
		return
	}

	if _, err := s.db.Exec("DROP TABLE IF EXISTS vec_skills"); err != nil {
		logging.StoreWarn("failed to drop vec_skills: %v", err)
		s.vectorExt = false
		return
	}
	stmt := fmt.Sprintf(`
	CREATE VIRTUAL TABLE vec_skills USING vec0(
		embedding float[%d],
		name TEXT
	);
	`, s.engine.Dimensions())
	if _, err := s.db.Exec(stmt); err != nil {
		logging.StoreWarn("failed to recreate vec_skills: %v", err)
		s.vectorExt = false
		return
	}

	rows, err := s.db.Query("SELECT name, embedding FROM skills")
	if err != nil {
		logging.StoreWarn("failed to read skills for vec reindex: %v", err)
		s.vectorExt = false
		return
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			continue
		}
		if _, err := s.db.Exec("INSERT INTO vec_skills (embedding, name) VALUES (?, ?)", blob, name); err != nil {
			logging.StoreWarn("vec insert failed for %s: %v", name, err)
		}
	}
}

// EnsureIndexed performs a full index only when the store is empty and
// an embedder is configured. Idempotent.
func (s *SkillStore) EnsureIndexed(ctx context.Context, library []skills.Skill) error {
	if s.engine == nil {
		return nil
	}
	count, err := s.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.Index(ctx, library)
}

// Search embeds the query and returns the top K skills by cosine
// distance. Returns an empty list when no embedder is configured or the
// store is empty.
func (s *SkillStore) Search(ctx context.Context, query string, k int) ([]skills.Hit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	if s.engine == nil {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}

	count, err := s.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		hits, err := s.searchVec(ctx, queryVec, k)
		if err == nil {
			return hits, nil
		}
		logging.StoreDebug("vec search failed, falling back to scan: %v", err)
	}
	return s.searchBruteForce(ctx, queryVec, k)
}

// searchVec runs ANN search over the vec0 table.
func (s *SkillStore) searchVec(ctx context.Context, queryVec []float32, k int) ([]skills.Hit, error) {
	queryBlob := encodeFloat32SliceToBlob(queryVec)

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			sk.name,
			sk.instructions,
			vec_distance_cosine(vs.embedding, ?) AS distance
		FROM vec_skills vs
		JOIN skills sk ON vs.name = sk.name
		ORDER BY distance ASC
		LIMIT ?
	`, queryBlob, k)
	if err != nil {
		return nil, fmt.Errorf("vec search failed: %w", err)
	}
	defer rows.Close()

	var hits []skills.Hit
	for rows.Next() {
		var hit skills.Hit
		if err := rows.Scan(&hit.Name, &hit.Instructions, &hit.Distance); err != nil {
			logging.StoreWarn("failed to scan vec search row: %v", err)
			continue
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// searchBruteForce loads every embedding and ranks by cosine similarity
// in Go. Fine for skill libraries of tens to hundreds of entries.
func (s *SkillStore) searchBruteForce(ctx context.Context, queryVec []float32, k int) ([]skills.Hit, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, instructions, embedding FROM skills")
	if err != nil {
		return nil, fmt.Errorf("failed to query skills: %w", err)
	}
	defer rows.Close()

	var names, instructions []string
	var corpus [][]float32
	for rows.Next() {
		var name, text string
		var blob []byte
		if err := rows.Scan(&name, &text, &blob); err != nil {
			logging.StoreWarn("failed to scan skill row: %v", err)
			continue
		}
		vec, err := decodeBlobToFloat32Slice(blob)
		if err != nil {
			logging.StoreWarn("bad embedding blob for %s: %v", name, err)
			continue
		}
		names = append(names, name)
		instructions = append(instructions, text)
		corpus = append(corpus, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results, err := embedding.FindTopK(queryVec, corpus, k)
	if err != nil {
		return nil, err
	}

	hits := make([]skills.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, skills.Hit{
			Name:         names[r.Index],
			Instructions: instructions[r.Index],
			Distance:     1.0 - r.Similarity,
		})
	}
	return hits, nil
}

// Count returns the number of indexed skills.
func (s *SkillStore) Count() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM skills").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count skills: %w", err)
	}
	return count, nil
}

// VectorSearchEnabled reports whether the vec0 ANN path is active.
func (s *SkillStore) VectorSearchEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// Path returns the database file location.
func (s *SkillStore) Path() string {
	return s.dbPath
}

// Close releases the database handle.
func (s *SkillStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logging.Store("skill store closed")
	return err
}
