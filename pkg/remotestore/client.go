// Package remotestore talks to the sync API over HTTP on behalf of the
// orchestrator.
package remotestore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/errcodes"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pezware/mirubato-sub008/pkg/orchestrator"
	"github.com/pezware/mirubato-sub008/pkg/syncapi"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

const defaultTimeout = 30 * time.Second

// StatusError is a non-2xx answer from the sync API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "sync api: HTTP " + http.StatusText(e.StatusCode)
	}
	return "sync api: " + e.Message
}

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. to share a transport or
// change the timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) FetchSyncMetadata(ctx context.Context, userID string) (*models.SyncMetadata, error) {
	var resp syncapi.MetadataResponse
	if err := c.do(ctx, http.MethodGet, c.userPath(userID, "metadata"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

func (c *Client) FetchInitialData(ctx context.Context, userID string) (*orchestrator.Snapshot, error) {
	return c.snapshot(ctx, c.userPath(userID, "initial"))
}

func (c *Client) FetchAllData(ctx context.Context, userID string) (*orchestrator.Snapshot, error) {
	return c.snapshot(ctx, c.userPath(userID, "all"))
}

// FetchChangesSince returns orchestrator.ErrUnknownSyncToken when the server
// no longer recognizes token.
func (c *Client) FetchChangesSince(ctx context.Context, userID, token string) (*orchestrator.ChangeSet, error) {
	path := c.userPath(userID, "changes") + "?" + url.Values{"since": {token}}.Encode()

	var resp syncapi.ChangesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == errcodes.CodeUnknownSyncToken {
			return nil, errors.Wrap(orchestrator.ErrUnknownSyncToken, se.Message)
		}
		return nil, err
	}

	entities, err := models.DecodeEntities(resp.Entities)
	if err != nil {
		return nil, err
	}
	return &orchestrator.ChangeSet{
		Entities:     entities,
		DeletedIDs:   resp.DeletedIDs,
		NewSyncToken: resp.NewSyncToken,
	}, nil
}

func (c *Client) UploadBatch(ctx context.Context, req *orchestrator.UploadRequest) (*orchestrator.UploadResponse, error) {
	recs, err := models.EncodeEntities(req.Entities)
	if err != nil {
		return nil, err
	}
	payload := syncapi.UploadPayload{SyncToken: req.SyncToken, Entities: recs}

	var resp syncapi.UploadResponse
	if err := c.do(ctx, http.MethodPost, c.userPath(req.UserID, "batch"), payload, &resp); err != nil {
		return nil, err
	}

	out := &orchestrator.UploadResponse{
		Uploaded:     resp.Uploaded,
		NewSyncToken: resp.NewSyncToken,
	}
	for _, f := range resp.Failed {
		out.Failed = append(out.Failed, orchestrator.EntityError{EntityID: f.EntityID, Error: f.Error})
	}
	return out, nil
}

func (c *Client) snapshot(ctx context.Context, path string) (*orchestrator.Snapshot, error) {
	var resp syncapi.SnapshotResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	entities, err := models.DecodeEntities(resp.Entities)
	if err != nil {
		return nil, err
	}
	return &orchestrator.Snapshot{Entities: entities, SyncToken: resp.SyncToken}, nil
}

func (c *Client) userPath(userID, action string) string {
	return "/sync/users/" + url.PathEscape(userID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create sync api request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read sync api response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var envelope errcodes.Payload
		if json.Unmarshal(raw, &envelope) == nil {
			se.Code = envelope.Error.Code
			se.Message = envelope.Error.Message
		}
		return errors.WithStack(se)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "failed to parse sync api response")
	}
	return nil
}
