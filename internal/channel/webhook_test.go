package channel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/yumo666666/MdToImage/internal/bus"
	"github.com/yumo666666/MdToImage/internal/domain"
)

func testWebhookLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestVerifyHMAC_Valid(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"text":"hello"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !verifyHMAC(body, secret, sig) {
		t.Error("valid HMAC should verify")
	}
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
}

func TestVerifyHMAC_Empty(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestResponsePayload_Unmarshal(t *testing.T) {
	data := `{"channel":"telegram","chat_id":"42","text":"hello ![a](http://h/x.png)"}`
	var payload ResponsePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Channel != "telegram" || payload.ChatID != "42" {
		t.Errorf("routing fields mismatch: %+v", payload)
	}
	if payload.Text != "hello ![a](http://h/x.png)" {
		t.Errorf("unexpected text: %q", payload.Text)
	}
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "word "
	}
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	// All chunks should be <= maxLen
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := splitMessage("", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	w := &Webhook{logger: testWebhookLogger()}
	req := httptest.NewRequest("GET", "/webhook/response", nil)
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebhookHandler_EmptyText(t *testing.T) {
	w := &Webhook{logger: testWebhookLogger()}
	body := `{"channel":"telegram","text":""}`
	req := httptest.NewRequest("POST", "/webhook/response", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestWebhookHandler_InvalidJSON(t *testing.T) {
	w := &Webhook{logger: testWebhookLogger()}
	req := httptest.NewRequest("POST", "/webhook/response", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestWebhookHandler_MissingSignature(t *testing.T) {
	w := &Webhook{secret: "my-secret", logger: testWebhookLogger()}
	body := `{"text":"hello"}`
	req := httptest.NewRequest("POST", "/webhook/response", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestWebhookHandler_InvalidSignature(t *testing.T) {
	w := &Webhook{secret: "my-secret", logger: testWebhookLogger()}
	body := `{"text":"hello"}`
	req := httptest.NewRequest("POST", "/webhook/response", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-256", "sha256=invalid")
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestWebhookHandler_PublishesEvent(t *testing.T) {
	mb := bus.New(4, testWebhookLogger())
	defer mb.Close()

	w := &Webhook{bus: mb, logger: testWebhookLogger()}
	body := `{"id":"r1","channel":"discord","chat_id":"c9","text":"hi there"}`
	req := httptest.NewRequest("POST", "/webhook/response", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}

	select {
	case evt := <-mb.Subscribe():
		if evt.ID != "r1" || evt.Channel != "discord" || evt.ChatID != "c9" || evt.Text != "hi there" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestWebhookHandler_GeneratesID(t *testing.T) {
	mb := bus.New(4, testWebhookLogger())
	defer mb.Close()

	w := &Webhook{bus: mb, logger: testWebhookLogger()}
	body := `{"channel":"cli","chat_id":"1","text":"hi"}`
	req := httptest.NewRequest("POST", "/webhook/response", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] == "" {
		t.Error("expected a generated ID in the response")
	}

	select {
	case evt := <-mb.Subscribe():
		if evt.ID != resp["id"] {
			t.Errorf("event ID %q does not match response ID %q", evt.ID, resp["id"])
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestWebhookHandler_ValidSignature(t *testing.T) {
	mb := bus.New(4, testWebhookLogger())
	defer mb.Close()

	secret := "my-secret"
	w := &Webhook{bus: mb, secret: secret, logger: testWebhookLogger()}
	body := []byte(`{"channel":"cli","chat_id":"1","text":"signed"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/webhook/response", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", sig)
	rr := httptest.NewRecorder()

	w.handleResponse(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected 202 for valid signature, got %d", rr.Code)
	}

	select {
	case evt := <-mb.Subscribe():
		if evt.Text != "signed" {
			t.Errorf("unexpected event text: %q", evt.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

var _ domain.Channel = (*Webhook)(nil)
