// Package stream serves paid media segments from a local directory or a
// remote origin.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/vidgate/vidgate/internal/security"
)

// ErrAccessDenied indicates the resolved path escapes the media directory.
var ErrAccessDenied = errors.New("stream: access denied: path is outside allowed directory")

// NotFoundError indicates no file exists at the resolved path.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("stream: file not found: %s", e.Path)
}

// NotAFileError indicates the resolved path is a directory or other
// non-regular file.
type NotAFileError struct {
	Path string
}

func (e *NotAFileError) Error() string {
	return fmt.Sprintf("stream: path is not a file: %s", e.Path)
}

// OpenError wraps an I/O failure while opening a verified file.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("stream: failed to open file %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// RemoteError indicates a remote origin refused or failed the fetch.
type RemoteError struct {
	URL    string
	Status int
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: failed to fetch remote file %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("stream: failed to fetch remote file: HTTP %d", e.Status)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Segment is an opened media file ready to stream to a client.
type Segment struct {
	Reader      io.ReadCloser
	Size        int64
	ContentType string
}

// Resolver locates and opens segments under a base directory.
type Resolver struct {
	baseDir     string
	httpClient  *http.Client
	originCheck func(url string) error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the client used for remote fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithOriginCheck overrides the remote origin safety check.
func WithOriginCheck(check func(url string) error) Option {
	return func(r *Resolver) { r.originCheck = check }
}

// NewResolver creates a resolver rooted at baseDir.
func NewResolver(baseDir string, opts ...Option) *Resolver {
	r := &Resolver{
		baseDir:     filepath.Clean(baseDir),
		httpClient:  http.DefaultClient,
		originCheck: security.ValidateEndpointURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Verify resolves filename against the base directory and checks that it
// names an existing regular file inside it. The returned path is safe to
// open.
func (r *Resolver) Verify(filename string) (string, error) {
	path := filepath.Join(r.baseDir, filename)

	// Join cleans the result, so an escaping name no longer has the base
	// directory as a prefix.
	if path != r.baseDir && !strings.HasPrefix(path, r.baseDir+string(filepath.Separator)) {
		return "", ErrAccessDenied
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Path: path}
		}
		return "", &OpenError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", &NotAFileError{Path: path}
	}

	return path, nil
}

// Open verifies and opens a segment for streaming.
func (r *Resolver) Open(filename string) (*Segment, error) {
	path, err := r.Verify(filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &OpenError{Path: path, Err: err}
	}

	return &Segment{
		Reader:      f,
		Size:        info.Size(),
		ContentType: contentTypeFor(path),
	}, nil
}

// OpenRemote fetches a segment from a remote origin and returns its body
// for passthrough streaming. The origin is checked against SSRF-unsafe
// hosts before the request is made.
func (r *Resolver) OpenRemote(ctx context.Context, url string) (*Segment, error) {
	if err := r.originCheck(url); err != nil {
		return nil, &RemoteError{URL: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RemoteError{URL: url, Err: err}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &RemoteError{URL: url, Status: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFor(url)
	}

	return &Segment{
		Reader:      resp.Body,
		Size:        resp.ContentLength,
		ContentType: contentType,
	}, nil
}

// contentTypeFor guesses a content type from the file extension, defaulting
// to a generic byte stream. HLS extensions take precedence over the host
// mime table, which maps .ts to unrelated types on some systems.
func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return "video/mp2t"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
