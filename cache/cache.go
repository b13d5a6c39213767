// Package cache provides a local disk cache for message content objects.
//
// The cache fronts the S3 content store on the IMAP FETCH and POP3 RETR
// read path. Objects are keyed by content hash and stored as files under
// a sharded directory tree; an embedded SQLite database indexes path,
// size and modification time so eviction can run without walking the
// filesystem. When the cache grows past its capacity the oldest entries
// are purged first, and a periodic cycle drops entries whose content
// hash no longer exists in the main database.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

const DataDir = "data"
const IndexDB = "cache_index.db"
const PurgeBatchSize = 1000

// ErrObjectTooLarge is returned by Put when the object exceeds the
// configured per-object size limit. Oversized objects are served from
// the content store directly.
var ErrObjectTooLarge = errors.New("object too large for cache")

// SourceDatabase is the authoritative record of which content hashes are
// still referenced. The orphan purge drops cache entries whose hash has
// disappeared from it.
type SourceDatabase interface {
	FindExistingContentHashes(ctx context.Context, hashes []string) ([]string, error)
}

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	orphanAge     time.Duration
	db            *sql.DB
	mu            sync.Mutex
	sourceDB      SourceDatabase

	hits   int64
	misses int64
}

func New(basePath string, capacity int64, maxObjectSize int64, purgeInterval time.Duration, orphanAge time.Duration, sourceDB SourceDatabase) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(basePath, IndexDB)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}

	// WAL lets the purge cycle read while Put writes. It is an
	// optimization, so a failure only warns.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("CACHE: Failed to set PRAGMA journal_mode = WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		orphanAge:     orphanAge,
		db:            db,
		sourceDB:      sourceDB,
	}, nil
}

// Close closes the cache index database.
func (c *Cache) Close() error {
	if c.db != nil {
		logger.Info("CACHE: Closing cache index database")
		return c.db.Close()
	}
	return nil
}

func (c *Cache) Get(contentHash string) ([]byte, error) {
	path := c.GetPathForContentHash(contentHash)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			atomic.AddInt64(&c.misses, 1)
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		}
		return nil, err
	}
	atomic.AddInt64(&c.hits, 1)
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return data, nil
}

func (c *Cache) Put(contentHash string, data []byte) error {
	if int64(len(data)) > c.maxObjectSize {
		metrics.CacheOperationsTotal.WithLabelValues("put", "too_large").Inc()
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrObjectTooLarge, len(data), c.maxObjectSize)
	}

	path := c.GetPathForContentHash(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to a temporary file in the target directory and rename so
	// readers never observe a partially written object.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to write to temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}

	if err := os.Rename(tempFile.Name(), path); err != nil {
		// A rename that fails because the file exists means another
		// goroutine cached the same content first. Identical bytes, so
		// nothing is lost.
		if !os.IsExist(err) {
			metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
			return fmt.Errorf("failed to move temporary file to final cache location %s: %w", path, err)
		}
		logger.Debug("CACHE: File appeared during rename, assuming concurrent cache success", "path", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trackFile(path); err != nil {
		// The file exists but is untracked; the next sync or purge
		// cycle repairs the index.
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

func (c *Cache) Exists(contentHash string) (bool, error) {
	path := c.GetPathForContentHash(contentHash)
	c.mu.Lock()
	defer c.mu.Unlock()

	// The index avoids a filesystem stat and its TOCTOU races.
	var count int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE path = ?`, path).Scan(&count)
	if err != nil {
		logger.Error("CACHE: Failed to query index for existence", "path", path, "error", err)
		return false, fmt.Errorf("failed to query cache index: %w", err)
	}

	exists := count > 0
	if exists {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	return exists, nil
}

func (c *Cache) Delete(contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.GetPathForContentHash(contentHash)
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("CACHE: Failed to remove cache file", "path", path, "error", err)
			metrics.CacheOperationsTotal.WithLabelValues("delete", "error").Inc()
			return fmt.Errorf("failed to remove cache file %s: %w", path, err)
		}
	}
	// The index entry goes even if the file was already gone.
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		logger.Error("CACHE: Failed to remove index entry", "path", path, "error", err)
		metrics.CacheOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to remove index entry for path %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	metrics.CacheOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

func (c *Cache) trackFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`, path, info.Size(), info.ModTime())
	return err
}

func removeEmptyParents(path string, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			break
		}
		err := os.Remove(dir)
		if err != nil {
			// Not empty or permission denied, stop cleanup
			break
		}
		path = dir
	}
}

type fileStat struct {
	path    string
	size    int64
	modTime time.Time
}

// SyncFromDisk rebuilds the index from the files actually on disk. Run
// at startup so entries written by a previous process stay usable and
// index rows for files deleted out-of-band are dropped.
func (c *Cache) SyncFromDisk() error {
	logger.Info("CACHE: Starting disk sync")
	var files []fileStat

	// Phase 1: walk the disk and collect file info without the lock.
	dataDir := filepath.Join(c.basePath, DataDir)
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, statErr := d.Info()
			if statErr != nil {
				logger.Warn("CACHE: Failed to stat file during sync", "path", path, "error", statErr)
				return nil
			}
			files = append(files, fileStat{path: path, size: info.Size(), modTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}

	if len(files) > 0 {
		logger.Info("CACHE: Found files on disk, updating index", "count", len(files))

		// Phase 2: update the index in one transaction under a short lock.
		c.mu.Lock()
		tx, err := c.db.Begin()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to begin transaction for disk sync: %w", err)
		}

		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			c.mu.Unlock()
			return fmt.Errorf("failed to prepare statement for disk sync: %w", err)
		}

		for _, f := range files {
			if _, err := stmt.Exec(f.path, f.size, f.modTime); err != nil {
				logger.Warn("CACHE: Error tracking file during sync", "path", f.path, "error", err)
			}
		}
		stmt.Close()

		if err := tx.Commit(); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to commit disk sync transaction: %w", err)
		}
		c.mu.Unlock()
	}

	// Phase 3: drop index rows whose files are gone, then empty dirs.
	if err := c.RemoveStaleDBEntries(context.Background()); err != nil {
		return fmt.Errorf("failed to remove stale DB entries after sync: %w", err)
	}
	return c.cleanupStaleDirectories()
}

// StartPurgeLoop runs the purge cycle on the configured interval until
// the context is canceled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		// Run immediately on startup
		c.runPurgeCycle(ctx)

		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	logger.Debug("CACHE: Running purge cycle")
	if err := c.PurgeIfNeeded(ctx); err != nil {
		logger.Warn("CACHE: Capacity purge failed", "error", err)
	}
	if err := c.RemoveStaleDBEntries(ctx); err != nil {
		logger.Warn("CACHE: Stale entry cleanup failed", "error", err)
	}
	if err := c.PurgeOrphanedContentHashes(ctx); err != nil {
		logger.Warn("CACHE: Orphan cleanup failed", "error", err)
	}
}

func (c *Cache) cleanupStaleDirectories() error {
	dataDir := filepath.Join(c.basePath, DataDir)
	return filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// An entry can disappear between listing and stat when a
			// purge runs concurrently; skip it and keep walking.
			var pathError *fs.PathError
			if errors.As(err, &pathError) && errors.Is(pathError.Err, os.ErrNotExist) && pathError.Path == path {
				return nil
			}
			logger.Warn("CACHE: Error walking path", "path", path, "error", err)
			return err
		}
		if !d.IsDir() || path == dataDir {
			return nil
		}

		// Remove succeeds only on empty directories.
		removeErr := os.Remove(path)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && !isDirNotEmptyError(removeErr) {
			logger.Warn("CACHE: Unexpected error removing directory", "path", path, "error", removeErr)
		}
		return nil
	})
}

// PurgeIfNeeded evicts the oldest entries until the cache fits its
// capacity again. Filesystem deletes run without the lock; only the
// candidate query and the index batch delete hold it.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	pathsToPurge, err := c.getPurgeCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get purge candidates: %w", err)
	}
	if len(pathsToPurge) == 0 {
		return nil
	}

	successfullyRemoved := c.deleteFiles(pathsToPurge)
	if len(successfullyRemoved) == 0 {
		logger.Warn("CACHE: Purge candidates selected but none could be removed")
		return nil
	}

	if err := c.removeIndexEntries(ctx, successfullyRemoved); err != nil {
		return fmt.Errorf("failed to remove purged files from index: %w", err)
	}

	dataDir := filepath.Join(c.basePath, DataDir)
	for _, path := range successfullyRemoved {
		removeEmptyParents(path, dataDir)
	}

	metrics.CacheOperationsTotal.WithLabelValues("purge", "success").Add(float64(len(successfullyRemoved)))
	return nil
}

// getPurgeCandidates returns the oldest paths whose combined size brings
// the cache back under capacity.
func (c *Cache) getPurgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	row := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&totalSize); err != nil {
		return nil, fmt.Errorf("failed to get total cache size: %w", err)
	}

	if totalSize <= c.capacity {
		return nil, nil
	}

	amountToFree := totalSize - c.capacity
	logger.Info("CACHE: Size exceeds capacity, identifying files to purge",
		"size", totalSize, "capacity", c.capacity, "to_free", amountToFree)

	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query for purge candidates: %w", err)
	}
	defer rows.Close()

	var pathsToPurge []string
	var freedSoFar int64
	for rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			logger.Warn("CACHE: Error scanning purge candidate", "error", err)
			continue
		}
		pathsToPurge = append(pathsToPurge, path)
		freedSoFar += size
		if freedSoFar >= amountToFree {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purge candidates: %w", err)
	}

	return pathsToPurge, nil
}

// deleteFiles removes files from the filesystem and returns the paths
// that were successfully removed.
func (c *Cache) deleteFiles(paths []string) []string {
	var successfullyRemoved []string
	for _, path := range paths {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			successfullyRemoved = append(successfullyRemoved, path)
		} else {
			logger.Warn("CACHE: Failed to remove file during purge", "path", path, "error", err)
		}
	}
	return successfullyRemoved
}

// removeIndexEntries removes a batch of paths from the cache index.
func (c *Cache) removeIndexEntries(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for index removal: %w", err)
	}
	defer tx.Rollback()

	// SQLite has no array parameters; the placeholder list is safe
	// because paths are generated internally.
	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(paths)-1) + `)`
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		args[i] = p
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to batch delete from index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index deletions: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	logger.Debug("CACHE: Removed entries from index", "count", rowsAffected)
	return nil
}

// PurgeOrphanedContentHashes removes entries old enough to have settled
// whose content hash no longer exists in the main database. The age
// threshold keeps entries for content whose database row has not been
// committed yet.
func (c *Cache) PurgeOrphanedContentHashes(ctx context.Context) error {
	if c.sourceDB == nil {
		return nil
	}

	threshold := time.Now().Add(-c.orphanAge)
	rows, err := c.db.Query(`SELECT path FROM cache_index WHERE mod_time < ?`, threshold)
	if err != nil {
		return err
	}
	defer rows.Close()

	var batch []string
	var paths []string
	purged := 0

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			logger.Warn("CACHE: Error scanning path", "error", err)
			continue
		}

		contentHash := hashForPath(path)
		if len(contentHash) < 32 || len(contentHash) > 128 {
			logger.Warn("CACHE: Suspicious content hash derived from path", "path", path, "hash", contentHash)
			continue
		}

		batch = append(batch, contentHash)
		paths = append(paths, path)

		if len(batch) >= PurgeBatchSize {
			purged += c.purgeHashBatch(ctx, batch, paths)
			batch = make([]string, 0, PurgeBatchSize)
			paths = make([]string, 0, PurgeBatchSize)
		}
	}

	if len(batch) > 0 {
		purged += c.purgeHashBatch(ctx, batch, paths)
	}

	if purged > 0 {
		logger.Info("CACHE: Removed orphaned entries", "count", purged)
	}

	return nil
}

func (c *Cache) purgeHashBatch(ctx context.Context, contentHashes []string, paths []string) int {
	// Phase 1: ask the main database which hashes still exist. Slow
	// network call, so no lock.
	existing, err := c.sourceDB.FindExistingContentHashes(ctx, contentHashes)
	if err != nil {
		logger.Warn("CACHE: Error finding existing content hashes", "error", err)
		return 0
	}

	existsMap := make(map[string]bool)
	for _, hash := range existing {
		existsMap[hash] = true
	}

	var pathsToDelete []string
	for i, hash := range contentHashes {
		if !existsMap[hash] {
			pathsToDelete = append(pathsToDelete, paths[i])
		}
	}

	if len(pathsToDelete) == 0 {
		return 0
	}

	// Phase 2: local filesystem and index modifications under the lock.
	c.mu.Lock()
	defer c.mu.Unlock()

	dataDir := filepath.Join(c.basePath, DataDir)
	var successfullyRemoved []string

	for _, path := range pathsToDelete {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			successfullyRemoved = append(successfullyRemoved, path)
			if err == nil {
				removeEmptyParents(path, dataDir)
			}
		} else {
			logger.Warn("CACHE: Error removing cached file", "path", path, "error", err)
		}
	}

	if len(successfullyRemoved) == 0 {
		return 0
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Warn("CACHE: Error beginning transaction", "error", err)
		return 0
	}
	defer tx.Rollback()

	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(successfullyRemoved)-1) + `)`
	args := make([]interface{}, len(successfullyRemoved))
	for i, p := range successfullyRemoved {
		args[i] = p
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		logger.Warn("CACHE: Error batch deleting from index", "error", err)
		return 0
	}

	if err := tx.Commit(); err != nil {
		logger.Warn("CACHE: Error committing transaction", "error", err)
		return 0
	}

	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected)
}

// RemoveStaleDBEntries drops index rows whose files no longer exist on
// disk.
func (c *Cache) RemoveStaleDBEntries(ctx context.Context) error {
	// Phase 1: read all indexed paths. WAL mode allows this without the
	// main lock.
	rows, err := c.db.QueryContext(ctx, `SELECT path FROM cache_index`)
	if err != nil {
		return fmt.Errorf("failed to query cache_index: %w", err)
	}
	defer rows.Close()

	var allPaths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			logger.Warn("CACHE: Error scanning path during stale check", "error", err)
			continue
		}
		allPaths = append(allPaths, path)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating indexed paths: %w", err)
	}

	// Phase 2: stat each file without the lock.
	var stalePaths []string
	for _, path := range allPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			stalePaths = append(stalePaths, path)
		}
	}

	if len(stalePaths) == 0 {
		return nil
	}

	// Phase 3: batch delete the stale rows.
	if err := c.removeIndexEntries(ctx, stalePaths); err != nil {
		return fmt.Errorf("failed to remove stale entries: %w", err)
	}
	logger.Info("CACHE: Removed stale index entries", "count", len(stalePaths))
	return nil
}

// GetPathForContentHash shards a content hash into a two-level directory
// tree so no single directory accumulates every object.
func (c *Cache) GetPathForContentHash(contentHash string) string {
	if len(contentHash) < 4 {
		return filepath.Join(c.basePath, DataDir, contentHash)
	}
	return filepath.Join(c.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash[4:])
}

// hashForPath reverses GetPathForContentHash by joining the two shard
// directories with the file name.
func hashForPath(path string) string {
	rest := filepath.Base(path)
	shard2 := filepath.Base(filepath.Dir(path))
	shard1 := filepath.Base(filepath.Dir(filepath.Dir(path)))
	if len(shard1) == 2 && len(shard2) == 2 {
		return shard1 + shard2 + rest
	}
	return rest
}

// isDirNotEmptyError checks if an error is due to a directory not being
// empty. This is OS-dependent.
func isDirNotEmptyError(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}

// PurgeAll removes every cached object and clears the index. Exposed
// through the admin HTTP endpoint for operators recovering disk space.
func (c *Cache) PurgeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger.Info("CACHE: Purging all cached objects and clearing index")

	dataDir := filepath.Join(c.basePath, DataDir)
	if err := os.RemoveAll(dataDir); err != nil {
		return fmt.Errorf("failed to remove cache data directory %s: %w", dataDir, err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to recreate cache data directory %s: %w", dataDir, err)
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index`); err != nil {
		return fmt.Errorf("failed to clear cache index: %w", err)
	}

	return nil
}

// GetStats reports the object count and total size recorded in the
// index. The metrics collector polls this for the cache gauges.
func (c *Cache) GetStats() (objectCount int64, totalSize int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&objectCount, &totalSize); err != nil {
		return 0, 0, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return objectCount, totalSize, nil
}

// CacheMetrics holds hit/miss counters since process start.
type CacheMetrics struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
	TotalOps int64   `json:"total_ops"`
}

// GetMetrics returns the current hit/miss counters.
func (c *Cache) GetMetrics() *CacheMetrics {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	totalOps := hits + misses

	var hitRate float64
	if totalOps > 0 {
		hitRate = float64(hits) / float64(totalOps) * 100
	}

	return &CacheMetrics{
		Hits:     hits,
		Misses:   misses,
		HitRate:  hitRate,
		TotalOps: totalOps,
	}
}
