package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperstack/kbsync/internal/types"
)

const defaultTimeout = 30 * time.Second

// listRetryBackoff bounds retries on transient listing failures:
// exponential from 250ms, at most 3 attempts beyond the first.
func listRetryBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))
}

// IndexingClient talks to the remote indexing service over HTTP.
type IndexingClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewIndexingClient creates a client for the indexing service at baseURL.
func NewIndexingClient(baseURL, apiKey string, timeout time.Duration) *IndexingClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &IndexingClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateKnowledgeBase registers a new KB.
func (c *IndexingClient) CreateKnowledgeBase(ctx context.Context, spec KnowledgeBaseSpec) (types.KnowledgeBase, error) {
	var kb types.KnowledgeBase
	if err := c.do(ctx, http.MethodPost, "/knowledge_bases", spec, &kb); err != nil {
		return types.KnowledgeBase{}, fmt.Errorf("create knowledge base: %w", err)
	}
	return kb, nil
}

// SyncKnowledgeBase triggers the KB's indexing job.
func (c *IndexingClient) SyncKnowledgeBase(ctx context.Context, kbID string) error {
	path := "/knowledge_bases/" + url.PathEscape(kbID) + "/sync"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("sync knowledge base %s: %w", kbID, err)
	}
	return nil
}

// ListKBResources fetches the KB's root listing, retrying transient
// failures with bounded backoff before giving up.
func (c *IndexingClient) ListKBResources(ctx context.Context, kbID string) ([]types.FileRecord, error) {
	path := "/knowledge_bases/" + url.PathEscape(kbID) + "/resources"

	var records []types.FileRecord
	err := retry.Do(ctx, listRetryBackoff(), func(ctx context.Context) error {
		records = nil
		if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list KB resources for %s: %w", kbID, err)
	}
	return records, nil
}

// ListKBResourcesSafe fetches the status listing for one folder path.
// Failures are logged and yield an empty listing, never an error.
func (c *IndexingClient) ListKBResourcesSafe(ctx context.Context, kbID, folderPath string) []types.FileRecord {
	path := "/knowledge_bases/" + url.PathEscape(kbID) + "/resources?resource_path=" + url.QueryEscape(folderPath)

	var records []types.FileRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		slog.Debug("folder listing failed, returning empty",
			"component", "backend",
			"kb_id", kbID,
			"folder_path", folderPath,
			"error", err,
		)
		return nil
	}
	return records
}

// DeleteKBResource removes a resource by path.
func (c *IndexingClient) DeleteKBResource(ctx context.Context, kbID, resourcePath string) error {
	path := "/knowledge_bases/" + url.PathEscape(kbID) + "/resources?resource_path=" + url.QueryEscape(resourcePath)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete KB resource %s: %w", resourcePath, err)
	}
	return nil
}

func (c *IndexingClient) do(ctx context.Context, method, path string, body, out any) error {
	return doJSON(ctx, c.client, c.apiKey, method, c.baseURL+path, body, out)
}

// FileSourceClient talks to the remote file-listing service over HTTP.
type FileSourceClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewFileSourceClient creates a client for the file source at baseURL.
func NewFileSourceClient(baseURL, apiKey string, timeout time.Duration) *FileSourceClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FileSourceClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// ListResources returns the immediate children of folderID; an empty
// folderID lists the root. Transient failures are retried with bounded
// backoff.
func (c *FileSourceClient) ListResources(ctx context.Context, folderID string) ([]types.FileRecord, error) {
	path := "/resources"
	if folderID != "" {
		path += "?resource_id=" + url.QueryEscape(folderID)
	}

	var records []types.FileRecord
	err := retry.Do(ctx, listRetryBackoff(), func(ctx context.Context) error {
		records = nil
		if err := doJSON(ctx, c.client, c.apiKey, http.MethodGet, c.baseURL+path, nil, &records); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return records, nil
}

// doJSON performs an authenticated JSON request and decodes the response
// into out when non-nil.
func doJSON(ctx context.Context, client *http.Client, apiKey, method, rawURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little of the body for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
