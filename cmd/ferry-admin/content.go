package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/relatemail/ferry/helpers"
	"github.com/relatemail/ferry/storage"
)

func handleScanContent() {
	fs := flag.NewFlagSet("scan-content", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	doDelete := fs.Bool("delete", false, "Delete orphaned objects instead of only reporting them")
	batchSize := fs.Int("batch", 1000, "Number of object keys checked against the database per query")
	minAge := fs.String("min-age", "24h", "Skip objects newer than this; recent uploads may not have database rows yet")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Report (and optionally delete) orphaned content store objects

Usage:
  ferry-admin scan-content [options]

Options:
  --delete             Delete orphaned objects instead of only reporting them
  --batch int          Object keys checked against the database per query (default: 1000)
  --min-age string     Skip objects newer than this (default: 24h)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

An object is an orphan when no message, message attachment or outbound
attachment row references its content hash. Orphans accumulate when a
store delete fails after the cleaner has already removed the rows.

Examples:
  ferry-admin scan-content
  ferry-admin scan-content --delete
  ferry-admin scan-content --min-age 72h --batch 500
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *batchSize <= 0 {
		fmt.Printf("Error: --batch must be positive\n\n")
		fs.Usage()
		os.Exit(1)
	}
	minObjectAge, err := helpers.ParseDuration(*minAge)
	if err != nil {
		fmt.Printf("Error: invalid --min-age: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	dbf.apply(fs, &cfg)

	if cfg.S3.Endpoint == "" || cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" || cfg.S3.Bucket == "" {
		log.Fatalf("Missing S3 configuration. Ensure endpoint, access key, secret key and bucket are set.")
	}

	ctx := context.Background()
	database := openDatabase(ctx, &cfg)
	defer database.Close()

	store, err := storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Trace)
	if err != nil {
		log.Fatalf("Failed to connect to S3 storage: %v", err)
	}

	cutoff := time.Now().Add(-minObjectAge)

	var (
		scanned      int64
		scannedBytes int64
		skippedYoung int64
		orphans      int64
		orphanBytes  int64
		deleted      int64
	)

	flush := func(batch []storage.S3Object) {
		if len(batch) == 0 {
			return
		}
		hashes := make([]string, len(batch))
		for i, obj := range batch {
			hashes[i] = obj.Key
		}
		existing, err := database.FindExistingContentHashes(ctx, hashes)
		if err != nil {
			log.Fatalf("Failed to check content hashes: %v", err)
		}
		known := make(map[string]bool, len(existing))
		for _, hash := range existing {
			known[hash] = true
		}
		for _, obj := range batch {
			if known[obj.Key] {
				continue
			}
			orphans++
			orphanBytes += obj.Size
			if *doDelete {
				if err := store.Delete(obj.Key); err != nil {
					log.Printf("Failed to delete %s: %v", obj.Key, err)
					continue
				}
				deleted++
			} else {
				fmt.Printf("orphan: %s (%d bytes, modified %s)\n", obj.Key, obj.Size, obj.LastModified.Format(time.RFC3339))
			}
		}
	}

	objectCh, errCh := store.ListObjects(ctx, "", true)
	batch := make([]storage.S3Object, 0, *batchSize)
	for obj := range objectCh {
		scanned++
		scannedBytes += obj.Size
		if obj.LastModified.After(cutoff) {
			skippedYoung++
			continue
		}
		batch = append(batch, obj)
		if len(batch) >= *batchSize {
			flush(batch)
			batch = batch[:0]
		}
	}
	flush(batch)

	if err := <-errCh; err != nil {
		log.Fatalf("Listing objects failed: %v", err)
	}

	fmt.Printf("\nScanned %d objects (%d bytes), skipped %d newer than %s\n", scanned, scannedBytes, skippedYoung, minObjectAge)
	if *doDelete {
		fmt.Printf("Found %d orphans (%d bytes), deleted %d\n", orphans, orphanBytes, deleted)
	} else {
		fmt.Printf("Found %d orphans (%d bytes). Re-run with --delete to remove them.\n", orphans, orphanBytes)
	}
}
