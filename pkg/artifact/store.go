// Package artifact stores binary blobs (e.g. submitted executables) that jobs
// reference by key.
//
// Keys have the form "<jobID>/<sha256>", so every artifact is owned by the job
// it was uploaded for. Deleting a key that does not exist is not an error.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("artifact: not found")
	ErrInvalidKey = errors.New("artifact: invalid key")
)

// Store is a durable blob store.
type Store interface {
	// Put stores data for jobID and returns its key.
	Put(ctx context.Context, jobID string, data []byte) (string, error)

	// Get returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete is idempotent.
	Delete(ctx context.Context, key string) error

	// List returns the keys owned by jobID, or every key when jobID is empty.
	List(ctx context.Context, jobID string) ([]string, error)
}

// NewKey builds the content-addressed key for data owned by jobID.
func NewKey(jobID string, data []byte) string {
	sum := sha256.Sum256(data)
	return jobID + "/" + hex.EncodeToString(sum[:])
}

// ParseKey splits a key into its owning job and digest.
func ParseKey(key string) (jobID, digest string, err error) {
	jobID, digest, ok := strings.Cut(key, "/")
	if !ok || jobID == "" || digest == "" || strings.Contains(digest, "/") ||
		strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return jobID, digest, nil
}

func validateJobID(jobID string) error {
	if strings.TrimSpace(jobID) == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return fmt.Errorf("%w: job id %q", ErrInvalidKey, jobID)
	}
	return nil
}
