package loader

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/openfroyo/arkit/pkg/engine"
)

// Fetcher retrieves the bytes behind a resource descriptor. Implementations
// run on loader workers and should honour ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, desc engine.ResourceDescriptor) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, desc engine.ResourceDescriptor) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, desc engine.ResourceDescriptor) ([]byte, error) {
	return f(ctx, desc)
}

// FSFetcher reads resources from a file system. URLs may carry a file:// scheme.
type FSFetcher struct {
	FS fs.FS
}

// NewFSFetcher creates a fetcher rooted at fsys.
func NewFSFetcher(fsys fs.FS) *FSFetcher {
	return &FSFetcher{FS: fsys}
}

// Fetch reads the resource file.
func (f *FSFetcher) Fetch(ctx context.Context, desc engine.ResourceDescriptor) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := path.Clean(strings.TrimPrefix(strings.TrimPrefix(desc.URL, "file://"), "/"))
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid resource path: %s", desc.URL)
	}
	return fs.ReadFile(f.FS, name)
}
