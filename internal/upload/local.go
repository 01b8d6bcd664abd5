// ABOUTME: Filesystem-backed upload service with uuid file names and a size limit
// ABOUTME: Files are served back under a public base URL by the gateway

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes = 25 << 20

var (
	// ErrTooLarge is returned when a file exceeds the size limit.
	ErrTooLarge = errors.New("file exceeds upload size limit")

	// ErrInvalidName is returned for names that do not refer to a stored file.
	ErrInvalidName = errors.New("invalid media name")
)

// LocalUploader stores uploads in a directory.
type LocalUploader struct {
	dir      string
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

// NewLocalUploader creates dir if needed. baseURL is the public prefix files
// are served under, for example "http://host:8080/media".
func NewLocalUploader(dir, baseURL string, maxBytes int64, logger *slog.Logger) (*LocalUploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &LocalUploader{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		logger:   logger.With("component", "local_uploader"),
	}, nil
}

// MaxBytes returns the size limit.
func (u *LocalUploader) MaxBytes() int64 { return u.maxBytes }

// Upload writes f under a fresh name and returns its public URL.
func (u *LocalUploader) Upload(ctx context.Context, f File) (string, error) {
	if f.Data == nil {
		return "", errors.New("upload has no data")
	}
	name := uuid.New().String() + extension(f.Name, f.ContentType)
	dst := filepath.Join(u.dir, name)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}

	n, err := io.Copy(out, io.LimitReader(&ctxReader{ctx: ctx, r: f.Data}, u.maxBytes+1))
	closeErr := out.Close()
	switch {
	case err != nil:
		os.Remove(dst)
		return "", fmt.Errorf("writing upload: %w", err)
	case closeErr != nil:
		os.Remove(dst)
		return "", fmt.Errorf("closing upload: %w", closeErr)
	case n > u.maxBytes:
		os.Remove(dst)
		return "", ErrTooLarge
	}

	u.logger.Debug("stored upload", "name", name, "bytes", n)
	return u.baseURL + "/" + name, nil
}

// Remove deletes a file previously returned by Upload.
func (u *LocalUploader) Remove(ctx context.Context, url string) error {
	name := path.Base(url)
	p, err := u.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing upload: %w", err)
	}
	return nil
}

// Path maps a served name to its file, rejecting anything outside dir.
func (u *LocalUploader) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	return filepath.Join(u.dir, name), nil
}

// storedExtensions lists the extensions a stored file may carry and the
// media class each belongs to. Anything else is stored as ".bin".
var storedExtensions = map[string]store.MediaType{
	".jpg": store.MediaTypeImage, ".jpeg": store.MediaTypeImage, ".png": store.MediaTypeImage,
	".gif": store.MediaTypeImage, ".webp": store.MediaTypeImage, ".avif": store.MediaTypeImage,
	".heic": store.MediaTypeImage,
	".mp4": store.MediaTypeVideo, ".webm": store.MediaTypeVideo, ".mov": store.MediaTypeVideo,
	".m4v": store.MediaTypeVideo,
	".pdf": store.MediaTypeFile, ".txt": store.MediaTypeFile, ".csv": store.MediaTypeFile,
	".zip": store.MediaTypeFile, ".mp3": store.MediaTypeFile, ".m4a": store.MediaTypeFile,
	".ogg": store.MediaTypeFile, ".wav": store.MediaTypeFile, ".bin": store.MediaTypeFile,
}

// extension picks the stored extension: the client's if it is allowed for the
// declared content type's class, else one derived from the content type.
func extension(name, contentType string) string {
	class := Classify(contentType)
	if ext := strings.ToLower(filepath.Ext(name)); storedExtensions[ext] == class {
		return ext
	}
	if contentType != "" {
		exts, _ := mime.ExtensionsByType(contentType)
		for _, ext := range exts {
			if storedExtensions[ext] == class {
				return ext
			}
		}
	}
	return ".bin"
}

// Inline reports whether a stored file may be displayed by the browser rather
// than downloaded.
func Inline(name string) bool {
	switch storedExtensions[strings.ToLower(filepath.Ext(name))] {
	case store.MediaTypeImage, store.MediaTypeVideo:
		return true
	default:
		return false
	}
}

// ctxReader stops a copy when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
