package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"memlog/pkg/compression"
	"memlog/pkg/dberrors"
	"memlog/pkg/recovery"
	"memlog/pkg/types"
)

// Resolver turns a server id into its network locator.
type Resolver interface {
	Locator(id types.ServerID) (string, error)
}

// StaticResolver is a fixed id -> locator table.
type StaticResolver map[types.ServerID]string

func (r StaticResolver) Locator(id types.ServerID) (string, error) {
	loc, ok := r[id]
	if !ok {
		return "", fmt.Errorf("locator of %s: %w", id, dberrors.ErrNotFound)
	}
	return loc, nil
}

// BackupClient talks to backups over HTTP. It implements
// recovery.BackupClient.
type BackupClient struct {
	resolver Resolver
	client   *http.Client
}

func NewBackupClient(resolver Resolver) *BackupClient {
	return &BackupClient{
		resolver: resolver,
		// timeouts come from the caller's context
		client: &http.Client{Transport: http.DefaultTransport},
	}
}

// WithTimeout bounds every request regardless of the caller's context.
func (c *BackupClient) WithTimeout(d time.Duration) *BackupClient {
	c.client.Timeout = d
	return c
}

func (c *BackupClient) baseURL(id types.ServerID) (string, error) {
	loc, err := c.resolver.Locator(id)
	if err != nil {
		// a backup that left the roster may come back
		return "", fmt.Errorf("resolve backup %s: %w: %w", id, dberrors.ErrTransientUnavailable, err)
	}
	loc = strings.TrimRight(loc, "/")
	if !strings.Contains(loc, "://") {
		loc = "http://" + loc
	}
	return loc, nil
}

func (c *BackupClient) FetchRecoveryData(ctx context.Context, req recovery.FetchRequest) ([]byte, error) {
	base, err := c.baseURL(req.Backup)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode fetch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+RecoveryDataPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept-Encoding", string(compression.Zstd))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch from backup %s: %w: %w", req.Backup, dberrors.ErrTransientUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch segment %d from backup %s: %w", req.Segment, req.Backup, err)
	}

	var out bytes.Buffer
	alg := compression.Algorithm(resp.Header.Get("Content-Encoding"))
	if err := compression.Decompress(alg, resp.Body, &out, maxRecoveryData); err != nil {
		return nil, fmt.Errorf("decode recovery data from backup %s: %w", req.Backup, err)
	}
	return out.Bytes(), nil
}

// PushSegment uploads an encoded segment file to a backup.
func (c *BackupClient) PushSegment(ctx context.Context, backup types.ServerID, segment []byte) error {
	base, err := c.baseURL(backup)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := compression.Compress(compression.Zstd, bytes.NewReader(segment), &body); err != nil {
		return fmt.Errorf("compress segment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+SegmentUploadPath, &body)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeSegment)
	req.Header.Set("Content-Encoding", string(compression.Zstd))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload to backup %s: %w", backup, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("upload to backup %s: %w", backup, err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(b))
	var eb errorBody
	if json.Unmarshal(b, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}
	if sentinel := errorFromStatus(resp.StatusCode); sentinel != nil {
		return fmt.Errorf("status=%d %s: %w", resp.StatusCode, msg, sentinel)
	}
	return fmt.Errorf("status=%d body=%s", resp.StatusCode, msg)
}
