// Package storage provides the S3-backed message content store.
//
// Content is stored content-addressed: the object key is the BLAKE3 hex
// hash of the raw bytes (helpers.HashContent), so a message delivered to
// several local recipients occupies a single object. Database rows
// reference content by hash only; the expunge cleaner removes an object
// once no row references its hash any longer.
//
// # Encryption
//
// When client-side encryption is enabled, objects are encrypted with
// AES-256-GCM before upload. The key is a 32-byte hex-encoded string from
// the configuration. Object keys remain the plaintext content hashes, so
// deduplication keeps working with encryption on.
//
// # Read path
//
// Retrieval normally goes through the local disk cache (package cache)
// first; this store is only hit on cache misses.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, trace bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	// Echo requests and responses for debugging
	if trace {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		Encrypt:    false,
	}, nil
}

// EnableEncryption turns on client-side encryption for all subsequent
// Put and Get calls. Objects written before the key was configured are
// unreadable afterwards.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: Client-side encryption enabled")

	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(key string) (bool, string, error) {
	objInfo, err := s.Client.StatObject(context.Background(), s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, objInfo.VersionID, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		if minioErr.StatusCode == 404 {
			return false, "", nil
		}
	}

	return false, "", fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(key string, body io.Reader, size int64) error {
	start := time.Now()

	// If encryption is enabled, encrypt the data before uploading
	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			metrics.S3OperationErrors.WithLabelValues("PUT", "read_error").Inc()
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}

		encryptedData, err := s.encryptData(data)
		if err != nil {
			metrics.S3OperationErrors.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}

		_, err = s.Client.PutObject(
			context.Background(),
			s.BucketName,
			key,
			bytes.NewReader(encryptedData),
			int64(len(encryptedData)),
			minio.PutObjectOptions{SendContentMd5: true},
		)
		if err != nil {
			metrics.S3OperationErrors.WithLabelValues("PUT", classifyS3Error(err)).Inc()
			metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
		} else {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
		}
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
		return err
	}

	// No encryption, upload as-is
	_, err := s.Client.PutObject(
		context.Background(),
		s.BucketName,
		key,
		body,
		size,
		minio.PutObjectOptions{SendContentMd5: true},
	)
	if err != nil {
		metrics.S3OperationErrors.WithLabelValues("PUT", classifyS3Error(err)).Inc()
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	return err
}

// encryptData encrypts data using AES-256-GCM
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// decryptData decrypts data using AES-256-GCM
func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Get returns a reader over the object stored under key. A missing
// object is reported as consts.ErrContentNotFound.
func (s *S3Storage) Get(key string) (io.ReadCloser, error) {
	start := time.Now()

	object, err := s.Client.GetObject(context.Background(), s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, err
	}

	// GetObject defers the request; Stat forces it so a missing object
	// surfaces here rather than on the first read.
	if _, err := object.Stat(); err != nil {
		object.Close()
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
			metrics.S3OperationsTotal.WithLabelValues("GET", "not_found").Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, consts.ErrContentNotFound
		}
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	// If encryption is enabled, decrypt the data after downloading
	if s.Encrypt {
		encryptedData, err := io.ReadAll(object)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("failed to read encrypted data: %w", err)
		}

		if err := object.Close(); err != nil {
			logger.Warn("STORAGE: Failed to close S3 object", "error", err)
		}

		decryptedData, err := s.decryptData(encryptedData)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}

		metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return io.NopCloser(bytes.NewReader(decryptedData)), nil
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	return object, nil
}

// Delete removes the object stored under key. Deleting an absent object
// is not an error, which keeps the expunge cleaner idempotent.
func (s *S3Storage) Delete(key string) error {
	start := time.Now()

	exists, versionId, err := s.Exists(key)
	if err != nil {
		logger.Error("STORAGE: Error checking existence of object", "key", key, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return err
	}
	if !exists {
		logger.Info("STORAGE: Object does not exist in S3 - skipping deletion", "key", key)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return nil
	}
	err = s.Client.RemoveObject(context.Background(), s.BucketName, key, minio.RemoveObjectOptions{VersionID: versionId})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	return err
}

// CheckBucket verifies the configured bucket is reachable. The health
// monitor runs this as the object store probe.
func (s *S3Storage) CheckBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case contains(errStr, "AccessDenied") || contains(errStr, "Forbidden"):
		return "access_denied"
	case contains(errStr, "NoSuchKey") || contains(errStr, "NotFound"):
		return "not_found"
	case contains(errStr, "SlowDown") || contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case contains(errStr, "connection refused") || contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}

func contains(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

// S3Object represents an S3 object in list results
type S3Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ListObjects streams the objects under prefix. The admin content scan
// walks the whole bucket with this and cross-checks keys against the
// database.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string, recursive bool) (<-chan S3Object, <-chan error) {
	objectCh := make(chan S3Object)
	errCh := make(chan error, 1)

	go func() {
		defer close(objectCh)
		defer close(errCh)

		opts := minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: recursive,
		}

		for object := range s.Client.ListObjects(ctx, s.BucketName, opts) {
			if object.Err != nil {
				errCh <- object.Err
				return
			}

			objectCh <- S3Object{
				Key:          object.Key,
				Size:         object.Size,
				LastModified: object.LastModified,
				ETag:         object.ETag,
			}
		}
	}()

	return objectCh, errCh
}
