// Package reputation implements the HTTP client for the external malware
// reputation service. Every request authenticates with exactly one pooled
// credential supplied by the caller; the client itself holds no credential
// state.
package reputation

import (
	"context"
	"encoding/json"
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

	"github.com/mobtriage/verdict/internal/domain/scanning"
	"github.com/mobtriage/verdict/pkg/common/logger"
)

const apiKeyHeader = "x-apikey"

// notActiveCode is the service's error code for a credential that exists but
// has not finished provisioning. Distinguished from other 403s because it
// resolves on its own.
const notActiveCode = "UserNotActiveError"

// Config holds the connection settings for the reputation service.
type Config struct {
	// BaseURL is the root of the service API, e.g. "https://api.example.com/v3".
	BaseURL string
	// LookupTimeout bounds a single hash lookup request.
	LookupTimeout time.Duration
	// UploadTimeout bounds a single file upload request.
	UploadTimeout time.Duration
	// MaxFileSize is the service's upload size ceiling in bytes. Files larger
	// than this are rejected locally without a request.
	MaxFileSize int64
}

// Client talks to the reputation service over HTTP.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	lookupTimeout time.Duration
	uploadTimeout time.Duration
	maxFileSize   int64

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a reputation service client from cfg.
func NewClient(cfg Config, log *logger.Logger, tracer trace.Tracer) *Client {
	return &Client{
		baseURL:       cfg.BaseURL,
		httpClient:    &http.Client{},
		lookupTimeout: cfg.LookupTimeout,
		uploadTimeout: cfg.UploadTimeout,
		maxFileSize:   cfg.MaxFileSize,
		logger:        log,
		tracer:        tracer,
	}
}

// Lookup queries the service for an existing analysis of the given content
// hash. It returns ErrNotFound when the hash has never been analyzed,
// ErrRateLimited when the credential's quota is exhausted,
// ErrCredentialNotActive when the credential has not finished provisioning,
// and a *PermanentError for any other failure (including timeouts).
func (c *Client) Lookup(ctx context.Context, hash, apiKey string) (scanning.Verdict, error) {
	ctx, span := c.tracer.Start(ctx, "reputation.lookup",
		trace.WithAttributes(
			attribute.String("content_hash", hash),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/files/%s", c.baseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		return scanning.Verdict{}, &PermanentError{Message: fmt.Sprintf("building lookup request: %v", err)}
	}
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup request failed")
		return scanning.Verdict{}, &PermanentError{Message: fmt.Sprintf("lookup request: %v", err)}
	}
	defer resp.Body.Close()

	verdict, err := c.handleResponse(resp)
	if err != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return scanning.Verdict{}, err
	}
	return verdict, nil
}

// Upload submits the file's raw bytes for a fresh analysis and returns the
// resulting verdict. It returns ErrFileTooLarge without issuing a request
// when the file exceeds the service's size ceiling. The error taxonomy
// otherwise matches Lookup, except that a 404 on upload is a
// *PermanentError rather than ErrNotFound.
func (c *Client) Upload(ctx context.Context, path, apiKey string) (scanning.Verdict, error) {
	ctx, span := c.tracer.Start(ctx, "reputation.upload",
		trace.WithAttributes(
			attribute.String("file_path", path),
		))
	defer span.End()

	info, err := os.Stat(path)
	if err != nil {
		span.RecordError(err)
		return scanning.Verdict{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if c.maxFileSize > 0 && info.Size() > c.maxFileSize {
		return scanning.Verdict{}, fmt.Errorf("%s is %d bytes: %w", path, info.Size(), ErrFileTooLarge)
	}
	c.logger.Debug(ctx, "uploading file for analysis", "path", path, "size_bytes", info.Size())

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		f, err := os.Open(path)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		defer f.Close()
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	url := fmt.Sprintf("%s/files", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		span.RecordError(err)
		return scanning.Verdict{}, &PermanentError{Message: fmt.Sprintf("building upload request: %v", err)}
	}
	req.Header.Set(apiKeyHeader, apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload request failed")
		return scanning.Verdict{}, &PermanentError{Message: fmt.Sprintf("upload request: %v", err)}
	}
	defer resp.Body.Close()

	// An upload target never legitimately 404s, so fold it into the
	// permanent bucket instead of surfacing ErrNotFound.
	if resp.StatusCode == http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return scanning.Verdict{}, &PermanentError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	verdict, err := c.handleResponse(resp)
	if err != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return scanning.Verdict{}, err
	}
	return verdict, nil
}

// handleResponse maps a service response onto the client's error taxonomy.
func (c *Client) handleResponse(resp *http.Response) (scanning.Verdict, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return scanning.Verdict{}, &PermanentError{Message: fmt.Sprintf("reading response body: %v", err)}
		}
		return scanning.NewVerdict(body), nil

	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return scanning.Verdict{}, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return scanning.Verdict{}, ErrRateLimited

	case resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if errorCode(body) == notActiveCode {
			return scanning.Verdict{}, ErrCredentialNotActive
		}
		return scanning.Verdict{}, &PermanentError{StatusCode: resp.StatusCode, Message: string(body)}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return scanning.Verdict{}, &PermanentError{StatusCode: resp.StatusCode, Message: string(body)}
	}
}

// errorCode extracts the service's machine-readable error code from an error
// response body. Returns "" when the body is not in the expected shape.
func errorCode(body []byte) string {
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error.Code
}
