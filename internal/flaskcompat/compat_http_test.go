package flaskcompat

import (
	"net/http"
	"os"
	"strings"
	"testing"
)

func TestFlaskCompatHealth(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireString(t, payload["status"], "status") != "ok" {
		t.Fatalf("health status = %v", payload["status"])
	}
	requireBool(t, payload["detecting"], "detecting")
	if !requireBool(t, payload["detector_ready"], "detector_ready") {
		t.Fatalf("detector_ready = false")
	}
}

func TestFlaskCompatIndex(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "/api/status/stream") {
		t.Fatalf("GET / does not subscribe to the status stream")
	}
}

func TestFlaskCompatStatus(t *testing.T) {
	client := newCompatClient(t)
	for _, path := range []string{"/status", "/api/status"} {
		resp, body := client.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		assertStatusPayload(t, decodeJSONMap(t, body))
	}
}

func TestFlaskCompatDetectionLifecycle(t *testing.T) {
	if os.Getenv("COMPAT_DETECTION") == "" {
		t.Skip("set COMPAT_DETECTION=1 to enable the start/stop lifecycle check")
	}
	client := newCompatClient(t)

	resp, body := client.postJSON(t, "/start", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /start status = %d body=%s", resp.StatusCode, body)
	}
	status := requireString(t, decodeJSONMap(t, body)["status"], "status")
	if status != "started" && status != "already detecting" {
		t.Fatalf("start status = %q", status)
	}

	resp, body = client.postJSON(t, "/start", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second POST /start status = %d", resp.StatusCode)
	}
	// The worker may already have exited if the perception source ended.
	if got := requireString(t, decodeJSONMap(t, body)["status"], "status"); got != "already detecting" && got != "started" {
		t.Fatalf("second start status = %q", got)
	}

	resp, body = client.postJSON(t, "/stop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /stop status = %d", resp.StatusCode)
	}
	if got := requireString(t, decodeJSONMap(t, body)["status"], "status"); got != "stopped" {
		t.Fatalf("stop status = %q", got)
	}

	_, body = client.get(t, "/health")
	if requireBool(t, decodeJSONMap(t, body)["detecting"], "detecting") {
		t.Fatalf("still detecting after /stop")
	}
}

func TestFlaskCompatReset(t *testing.T) {
	if os.Getenv("COMPAT_DETECTION") == "" {
		t.Skip("set COMPAT_DETECTION=1 to enable the reset check")
	}
	client := newCompatClient(t)
	resp, body := client.postJSON(t, "/reset", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /reset status = %d", resp.StatusCode)
	}
	if got := requireString(t, decodeJSONMap(t, body)["status"], "status"); got != "reset" {
		t.Fatalf("reset status = %q", got)
	}
}

func TestFlaskCompatOverlay(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/api/overlay.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/overlay.png status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("overlay content-type = %q", ct)
	}
	if len(body) < 8 || string(body[1:4]) != "PNG" {
		t.Fatalf("overlay body is not a PNG")
	}
}

func TestFlaskCompatWebRTCOfferInvalid(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.postJSON(t, "/api/webrtc/offer", map[string]any{})
	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		t.Skip("webrtc disabled on the target server")
	case http.StatusBadRequest:
	default:
		t.Fatalf("POST /api/webrtc/offer status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireString(t, payload["error"], "error")
}
