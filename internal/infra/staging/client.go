// Package staging implements the HTTP client that copies batch files off the
// device onto the staging server before their scan tasks run.
package staging

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobtriage/verdict/pkg/common/logger"
)

// Config holds the connection settings for the staging server.
type Config struct {
	// BaseURL is the root of the staging server, e.g. "http://staging:9000".
	BaseURL string
	// Timeout bounds a single batch upload request.
	Timeout time.Duration
}

// Client uploads files to the staging server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a staging server client from cfg.
func NewClient(cfg Config, log *logger.Logger, tracer trace.Tracer) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
		logger:     log,
		tracer:     tracer,
	}
}

// UploadBatch streams the given files to the staging server in one multipart
// request tagged with the owning submission id. An error means none of the
// files should be treated as staged.
func (c *Client) UploadBatch(ctx context.Context, paths []string, owner string) error {
	ctx, span := c.tracer.Start(ctx, "staging.upload_batch",
		trace.WithAttributes(
			attribute.Int("file_count", len(paths)),
			attribute.String("owner", owner),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		if err := mw.WriteField("owner", owner); err != nil {
			pw.CloseWithError(err)
			return
		}
		for _, path := range paths {
			if err := writeFilePart(mw, path); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	url := fmt.Sprintf("%s/upload-files/", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("building staging request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "staging upload failed")
		return fmt.Errorf("staging upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		span.SetStatus(codes.Error, "staging upload rejected")
		return fmt.Errorf("staging server returned status %d", resp.StatusCode)
	}
	return nil
}

func writeFilePart(mw *multipart.Writer, path string) error {
	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for staging: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("streaming %s to staging: %w", path, err)
	}
	return nil
}
