package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/services"
)

var (
	ErrUnauthorized = errors.New("cloudsync unauthorized")
	ErrNotFound     = errors.New("cloudsync not found")
)

// ConflictError is a 409 carrying the server's current version.
type ConflictError struct {
	Code           string
	ServerVersion  int64
	ServerChecksum string
	Conflict       *models.SyncConflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cloudsync conflict (%s): server at version %d", e.Code, e.ServerVersion)
}

// APIError is any other non-2xx answer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cloudsync %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("cloudsync status %d", e.Status)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	ownerID    string
}

type errorBody struct {
	Error          string               `json:"error"`
	Code           string               `json:"code"`
	ServerVersion  int64                `json:"serverVersion"`
	ServerChecksum string               `json:"serverChecksum"`
	Conflict       *models.SyncConflict `json:"conflict"`
}

type SignatureResponse struct {
	ItemID string `json:"itemId"`
	delta.Signature
}

// NewClient talks to the sync API under baseURL, e.g.
// "http://host:8090/api/v1/sync".
func NewClient(httpClient *http.Client, baseURL, token, ownerID string) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		ownerID:    strings.TrimSpace(ownerID),
	}
}

func (c *Client) RegisterDevice(ctx context.Context, req services.RegisterDeviceRequest) (*models.SyncDevice, error) {
	var out models.SyncDevice
	if err := c.do(ctx, http.MethodPost, "/devices", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListDevices(ctx context.Context, activeOnly bool) ([]models.SyncDevice, error) {
	var out struct {
		Devices []models.SyncDevice `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices?activeOnly="+strconv.FormatBool(activeOnly), nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) DeactivateDevice(ctx context.Context, id string) (*models.SyncDevice, error) {
	var out models.SyncDevice
	if err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(id)+"/deactivate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AckCursor tells the server the device applied every record up to cursor.
func (c *Client) AckCursor(ctx context.Context, id string, cursor int64) (*models.SyncDevice, error) {
	var out models.SyncDevice
	body := map[string]int64{"cursor": cursor}
	if err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(id)+"/cursor", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/devices/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Pull(ctx context.Context, req services.PullRequest) (*services.PullResponse, error) {
	var out services.PullResponse
	if err := c.do(ctx, http.MethodPost, "/pull", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Push(ctx context.Context, req services.PushRequest) (*services.PushResponse, error) {
	var out services.PushResponse
	if err := c.do(ctx, http.MethodPost, "/push", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	var out struct {
		Conflicts []models.SyncConflict `json:"conflicts"`
	}
	if err := c.do(ctx, http.MethodGet, "/conflicts", nil, &out); err != nil {
		return nil, err
	}
	return out.Conflicts, nil
}

func (c *Client) ResolveConflict(ctx context.Context, id string, resolution models.Resolution) (*services.ResolveResult, error) {
	var out services.ResolveResult
	body := map[string]models.Resolution{"resolution": resolution}
	if err := c.do(ctx, http.MethodPost, "/conflicts/"+url.PathEscape(id)+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConflictContent downloads the rejected local bytes of a conflict.
func (c *Client) ConflictContent(ctx context.Context, id string) ([]byte, error) {
	data, _, err := c.download(ctx, "/conflicts/"+url.PathEscape(id)+"/content")
	return data, err
}

func (c *Client) Signature(ctx context.Context, itemID string, blockSize int) (*SignatureResponse, error) {
	path := "/delta/signature/" + url.PathEscape(itemID)
	if blockSize > 0 {
		path += "?blockSize=" + strconv.Itoa(blockSize)
	}
	var out SignatureResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadDelta(ctx context.Context, itemID string, req services.UploadDeltaRequest) (*services.UploadDeltaResult, error) {
	var out services.UploadDeltaResult
	if err := c.do(ctx, http.MethodPost, "/delta/upload/"+url.PathEscape(itemID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Content downloads the current bytes of an item and its version.
func (c *Client) Content(ctx context.Context, itemID string) ([]byte, int64, error) {
	data, header, err := c.download(ctx, "/items/"+url.PathEscape(itemID)+"/content")
	if err != nil {
		return nil, 0, err
	}
	version, _ := strconv.ParseInt(header.Get("X-Item-Version"), 10, 64)
	return data, version, nil
}

func (c *Client) download(ctx context.Context, path string) ([]byte, http.Header, error) {
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, resp.Header, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return decodeError(resp)
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	if c.ownerID != "" {
		req.Header.Set("X-User-ID", c.ownerID)
	}
	return c.httpClient.Do(req)
}

func decodeError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		if eb.Code == "STALE_BASE" {
			return &ConflictError{
				Code:           eb.Code,
				ServerVersion:  eb.ServerVersion,
				ServerChecksum: eb.ServerChecksum,
				Conflict:       eb.Conflict,
			}
		}
	}
	return &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}
}
