package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestValidateImage(t *testing.T) {
	if err := ValidateImage("image/JPEG", 1024); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateImage("application/pdf", 1024); !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}
	if err := ValidateImage("image/png", MaxFileSize+1); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if err := ValidateImage("image/png", 0); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge for empty file, got %v", err)
	}
}

func TestPhotoKey(t *testing.T) {
	got := PhotoKey("app-1", "photo-1", "image/webp")
	if got != "applications/app-1/photo-1.webp" {
		t.Errorf("unexpected key %s", got)
	}
}

func TestInMemoryBlobStore_RoundTrip(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()

	obj, err := s.Put(ctx, "applications/a/1.jpg", "image/jpeg", 5, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.Size != 5 || obj.ContentType != "image/jpeg" {
		t.Errorf("unexpected object %+v", obj)
	}

	rc, meta, err := s.Get(ctx, "applications/a/1.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" || meta.Key != "applications/a/1.jpg" {
		t.Errorf("unexpected content %q / %+v", data, meta)
	}

	u, err := s.URL(ctx, "applications/a/1.jpg", time.Hour)
	if err != nil || !strings.HasPrefix(u, "memory:") {
		t.Errorf("unexpected url %q, %v", u, err)
	}
}

func TestInMemoryBlobStore_SizeMismatch(t *testing.T) {
	s := NewInMemoryBlobStore()
	if _, err := s.Put(context.Background(), "k", "image/png", 10, strings.NewReader("short")); err == nil {
		t.Error("expected size mismatch error")
	}
	if s.Len() != 0 {
		t.Errorf("expected nothing stored, got %d", s.Len())
	}
}

func TestInMemoryBlobStore_Delete(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, "k", "image/png", 1, strings.NewReader("x"))

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}
