package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
)

// WebhookOptions configures the webhook listener.
type WebhookOptions struct {
	Host            string
	Port            int
	Path            string // inbound URL path (default: /webhook/response)
	Secret          string // HMAC secret for verifying request signatures
	MetricsEndpoint string // optional: mount the metrics handler at this path
	Logger          *slog.Logger
}

// Webhook is the inbound HTTP edge: plugin hosts POST raw AI responses here
// and the payload becomes a ResponseEvent on the bus. Assembled chains for
// the "webhook" channel are not forwarded anywhere; the host is expected to
// collect them over the websocket link or the process command instead.
type Webhook struct {
	host            string
	port            int
	path            string
	secret          string
	metricsEndpoint string
	bus             domain.MessageBus
	logger          *slog.Logger
	server          *http.Server
}

// ResponsePayload is the expected JSON body for inbound requests.
type ResponsePayload struct {
	ID      string `json:"id,omitempty"`      // optional correlation ID
	Channel string `json:"channel"`           // destination channel for the chain
	ChatID  string `json:"chat_id"`           // destination chat on that channel
	Text    string `json:"text"`              // raw AI response text
}

// NewWebhook creates the webhook listener.
func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Path == "" {
		opts.Path = "/webhook/response"
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Webhook{
		host:            opts.Host,
		port:            opts.Port,
		path:            opts.Path,
		secret:          opts.Secret,
		metricsEndpoint: opts.MetricsEndpoint,
		logger:          opts.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Start begins the webhook HTTP server and blocks until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus

	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleResponse)
	if w.metricsEndpoint != "" {
		mux.HandleFunc(w.metricsEndpoint, metrics.Collector.Handler())
	}

	w.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", w.host, w.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "addr", w.server.Addr, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) Stop() error { return nil }

func (w *Webhook) handleResponse(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Verify HMAC signature if secret is configured.
	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload ResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if payload.Text == "" {
		http.Error(rw, "Text is required", http.StatusBadRequest)
		return
	}
	if payload.Channel == "" {
		payload.Channel = "webhook"
	}
	if payload.ChatID == "" {
		payload.ChatID = "webhook-default"
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	w.logger.Info("response received",
		"id", payload.ID,
		"channel", payload.Channel,
		"chat_id", payload.ChatID,
		"text_len", len(payload.Text),
	)

	w.bus.Publish(domain.ResponseEvent{
		ID:        payload.ID,
		Channel:   payload.Channel,
		ChatID:    payload.ChatID,
		Text:      payload.Text,
		Timestamp: time.Now(),
	})

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{
		"status": "accepted",
		"id":     payload.ID,
	})
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
