// ABOUTME: Attachment upload pipeline: sequential all-or-nothing uploads and media classification
// ABOUTME: Partial uploads are removed when the service supports it

package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/store"
)

// File is one attachment to upload.
type File struct {
	Name        string
	ContentType string
	Data        io.Reader
}

// MediaRef is an uploaded attachment.
type MediaRef struct {
	Name      string
	URL       string
	MediaType store.MediaType
}

// Uploader stores one file and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, f File) (string, error)
}

// Remover is implemented by uploaders that can delete a stored file.
type Remover interface {
	Remove(ctx context.Context, url string) error
}

// UploadError reports the file that failed. No URLs are returned with it.
type UploadError struct {
	Index int
	Name  string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading attachment %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Classify maps a declared content type to a media type.
func Classify(contentType string) store.MediaType {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return store.MediaTypeImage
	case strings.HasPrefix(ct, "video/"):
		return store.MediaTypeVideo
	default:
		return store.MediaTypeFile
	}
}

// MessageMediaType is the media type a message carrying refs takes: that of
// the first attachment, or text when there are none.
func MessageMediaType(refs []MediaRef) store.MediaType {
	if len(refs) == 0 {
		return store.MediaTypeText
	}
	return refs[0].MediaType
}

// URLs returns the URLs of refs in order.
func URLs(refs []MediaRef) []string {
	urls := make([]string, len(refs))
	for i, r := range refs {
		urls[i] = r.URL
	}
	return urls
}

// Pipeline uploads a message's attachments.
type Pipeline struct {
	uploader Uploader
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewPipeline creates a pipeline over uploader. Pass nil logger for default.
func NewPipeline(uploader Uploader, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		uploader: uploader,
		metrics:  m,
		logger:   logger.With("component", "upload_pipeline"),
	}
}

// UploadAll uploads files one at a time, in order. The first failure stops
// the pipeline; files already uploaded are removed when the uploader
// supports it.
func (p *Pipeline) UploadAll(ctx context.Context, files []File) ([]MediaRef, error) {
	refs := make([]MediaRef, 0, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			p.discard(refs)
			return nil, &UploadError{Index: i, Name: f.Name, Err: err}
		}
		url, err := p.uploader.Upload(ctx, f)
		if err != nil {
			p.metrics.Upload("error")
			p.logger.Warn("attachment upload failed",
				"index", i,
				"name", f.Name,
				"error", err)
			p.discard(refs)
			return nil, &UploadError{Index: i, Name: f.Name, Err: err}
		}
		p.metrics.Upload("ok")
		refs = append(refs, MediaRef{Name: f.Name, URL: url, MediaType: Classify(f.ContentType)})
	}
	return refs, nil
}

// discard removes uploads that will not be referenced by any message.
func (p *Pipeline) discard(refs []MediaRef) {
	remover, ok := p.uploader.(Remover)
	if !ok || len(refs) == 0 {
		return
	}
	// Cleanup runs even when the caller's context is done.
	ctx := context.Background()
	for _, r := range refs {
		if err := remover.Remove(ctx, r.URL); err != nil {
			p.logger.Warn("removing orphaned upload", "url", r.URL, "error", err)
		}
	}
}
