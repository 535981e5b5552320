// Package blobstore keeps questionnaire photos. It defines the BlobStore
// interface, an in-memory implementation for tests and development, and a
// MinIO/S3 implementation for production.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
)

// MaxFileSize is the largest accepted photo (10 MB).
const MaxFileSize = 10 << 20

// AllowedContentTypes lists the photo formats clients may upload, with the
// file extension used for the object key.
var AllowedContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// ValidateImage checks a photo before it is uploaded.
func ValidateImage(contentType string, size int64) error {
	if _, ok := AllowedContentTypes[strings.ToLower(contentType)]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	if size <= 0 || size > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}
	return nil
}

// PhotoKey builds the object key for a photo of an application.
func PhotoKey(applicationID, photoID, contentType string) string {
	return path.Join("applications", applicationID, photoID+AllowedContentTypes[strings.ToLower(contentType)])
}

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

type BlobStore interface {
	Put(ctx context.Context, key, contentType string, size int64, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
	// URL returns a link the caller can hand to a browser, valid for expiry.
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type storedBlob struct {
	object  Object
	content []byte
}

// InMemoryBlobStore is a thread-safe BlobStore for tests and development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, size int64, content io.Reader) (*Object, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))
	}

	obj := Object{Key: key, ContentType: contentType, Size: int64(len(data)), CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()
	return &obj, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := b.object
	return io.NopCloser(bytes.NewReader(b.content)), &obj, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrBlobNotFound
	}
	return (&url.URL{Scheme: "memory", Path: "/" + key}).String(), nil
}

// Len returns the number of stored blobs.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
