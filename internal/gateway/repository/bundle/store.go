// Package bundle publishes download bundles to an object store so clients can
// fetch them through a presigned URL instead of through the API process.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Store persists bundles under <dataset>/<req_id>/<name>.
type Store interface {
	Put(ctx context.Context, key Key, r io.Reader, size int64) error
	// Stat returns the size of a stored bundle or ErrNotFound.
	Stat(ctx context.Context, key Key) (int64, error)
	// URL returns a time-limited download URL for a stored bundle.
	URL(ctx context.Context, key Key, expiry time.Duration) (string, error)
}

var ErrNotFound = errors.New("bundle not found")

type Key struct {
	Dataset string
	ReqID   string
	Name    string
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Dataset) == "" {
		return fmt.Errorf("dataset is required")
	}
	if strings.TrimSpace(k.ReqID) == "" {
		return fmt.Errorf("req_id is required")
	}
	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Object is the object key inside the bucket.
func (k Key) Object() string {
	name := strings.TrimLeft(strings.TrimSpace(k.Name), "/")
	return strings.TrimSpace(k.Dataset) + "/" + strings.TrimSpace(k.ReqID) + "/" + name
}
