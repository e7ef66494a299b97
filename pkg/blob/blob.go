// Package blob defines the object store holding uploads and stage outputs.
//
// Keys are slash-separated relative paths. The pipeline uses a fixed layout:
//
//	uploads/{job_id}{ext}      the original recording
//	converted/{job_id}.wav     16 kHz mono PCM16 WAV
//	transcripts/{job_id}.txt   the joined transcript
//	summaries/{job_id}.json    the structured summary
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by [Store.Open] when the key does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is an object store. All methods must be safe for concurrent use.
type Store interface {
	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Open returns a reader for the object at key or [ErrNotFound]. The
	// caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores the contents of r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Remove deletes the object at key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// Key helpers for the pipeline layout.

func UploadKey(jobID, ext string) string { return "uploads/" + jobID + ext }

func ConvertedKey(jobID string) string { return "converted/" + jobID + ".wav" }

func TranscriptKey(jobID string) string { return "transcripts/" + jobID + ".txt" }

func SummaryKey(jobID string) string { return "summaries/" + jobID + ".json" }

// ValidateKey rejects empty, absolute and parent-escaping keys.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("blob: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("blob: invalid key %q", key)
	}
	clean := path.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return fmt.Errorf("blob: invalid key %q", key)
	}
	return nil
}

// ReadAll opens key and reads it fully.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return b, nil
}

// PutBytes stores b under key.
func PutBytes(ctx context.Context, s Store, key string, b []byte) error {
	return s.Put(ctx, key, bytes.NewReader(b))
}
