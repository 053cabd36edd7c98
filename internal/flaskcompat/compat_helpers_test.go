// Package flaskcompat checks a running server against the REST contract of
// the Flask posture backend. Tests skip unless the server is reachable.
package flaskcompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:5000"
	defaultRequestTimeout = 2 * time.Second
)

type compatClient struct {
	baseURL string
	client  *http.Client
}

func newCompatClient(t *testing.T) *compatClient {
	t.Helper()
	baseURL := os.Getenv("COMPAT_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("server not reachable at %s (set COMPAT_BASE_URL to run)", baseURL)
	}

	return &compatClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *compatClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *compatClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *compatClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				event := string(buf[:idx])
				return event, resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
		select {
		case <-ctx.Done():
			return "", nil, fmt.Errorf("timeout waiting for sse event")
		default:
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	lines := strings.Split(event, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

// requireOptionalNumber accepts null or a number.
func requireOptionalNumber(t *testing.T, value any, field string) {
	t.Helper()
	if value == nil {
		return
	}
	requireNumber(t, value, field)
}

// assertStatusPayload checks the shape served by GET /status.
func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	status := requireString(t, payload["posture_status"], "posture_status")
	switch status {
	case "good", "warning", "bad":
	default:
		t.Fatalf("unexpected posture_status %q", status)
	}
	requireOptionalNumber(t, payload["face_size"], "face_size")
	requireOptionalNumber(t, payload["smoothed_face_size"], "smoothed_face_size")
	requireOptionalNumber(t, payload["ear"], "ear")
	requireBool(t, payload["is_face_detected"], "is_face_detected")
	requireNumber(t, payload["no_face_duration"], "no_face_duration")
	requireNumber(t, payload["blink_count"], "blink_count")
	requireNumber(t, payload["blink_rate"], "blink_rate")
	requireNumber(t, payload["frame_count"], "frame_count")

	alerts := requireMap(t, payload["alerts"], "alerts")
	for _, key := range []string{
		"bad_alert", "warning_alert", "no_face_alert", "low_blink_rate_alert", "serious_eye_strain",
	} {
		requireBool(t, alerts[key], "alerts."+key)
	}
}
