package soak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okian/rollcall/internal/adapters/vision/precomputed"
	"github.com/okian/rollcall/internal/domain/model"
)

// client is a thin JSON client for the attendance API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *client) do(ctx context.Context, method, path, contentType string, body []byte, header map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func (c *client) health(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, "/readyz", "", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("service readiness check failed with status: %d", status)
	}
	return nil
}

func (c *client) enroll(ctx context.Context, id identity, modelName string) error {
	body, err := json.Marshal(map[string]any{
		"id":           id.ID,
		"display_name": id.Name,
		"embeddings":   []map[string]any{{"values": id.Vector, "model": modelName}},
	})
	if err != nil {
		return err
	}
	status, data, err := c.do(ctx, http.MethodPost, "/v1/identities", "application/json", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("enroll %s: status %d: %s", id.ID, status, data)
	}
	return nil
}

// postFrame returns the FrameResult and the HTTP status. 422 and 503 still
// carry a FrameResult body.
func (c *client) postFrame(ctx context.Context, session string, body []byte) (model.FrameResult, int, error) {
	status, data, err := c.do(ctx, http.MethodPost, "/v1/sessions/"+session+"/frames?mode=multi",
		precomputed.ContentType, body, map[string]string{
			"X-Captured-At":    time.Now().UTC().Format(time.RFC3339Nano),
			"X-Device-Harness": "soak",
		})
	if err != nil {
		return model.FrameResult{}, 0, err
	}
	var res model.FrameResult
	switch status {
	case http.StatusOK, http.StatusUnprocessableEntity, http.StatusServiceUnavailable:
		if err := json.Unmarshal(data, &res); err != nil {
			return model.FrameResult{}, status, fmt.Errorf("decode frame result: %w", err)
		}
		return res, status, nil
	}
	return model.FrameResult{}, status, fmt.Errorf("frame rejected with status %d: %s", status, data)
}

func (c *client) attendance(ctx context.Context) (string, []model.AttendanceEvent, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/v1/attendance", "", nil, nil)
	if err != nil {
		return "", nil, err
	}
	if status != http.StatusOK {
		return "", nil, fmt.Errorf("attendance listing failed with status %d", status)
	}
	var out struct {
		Date   string                  `json:"date"`
		Events []model.AttendanceEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", nil, fmt.Errorf("decode attendance: %w", err)
	}
	return out.Date, out.Events, nil
}
