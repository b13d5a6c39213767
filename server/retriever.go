package server

import (
	"context"
	"fmt"
	"io"

	"github.com/relatemail/ferry/cache"
	"github.com/relatemail/ferry/storage"
)

// ContentRetriever is the shared read path for message content: local
// cache first, then the object store, backfilling the cache on a miss.
// IMAP body fetches, POP3 RETR/TOP and outbound attachment loading all
// go through it.
type ContentRetriever struct {
	cache *cache.Cache
	store *storage.S3Storage
}

func NewContentRetriever(c *cache.Cache, s *storage.S3Storage) *ContentRetriever {
	return &ContentRetriever{
		cache: c,
		store: s,
	}
}

// Get returns the content stored under contentHash. A missing object
// surfaces as consts.ErrContentNotFound from the store layer.
func (r *ContentRetriever) Get(ctx context.Context, contentHash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if data, err := r.cache.Get(contentHash); err == nil && data != nil {
		return data, nil
	}

	reader, err := r.store.Get(contentHash)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read content %s: %w", contentHash, err)
	}

	// Backfill is best effort; the object store remains authoritative.
	_ = r.cache.Put(contentHash, data)
	return data, nil
}
