package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/discord-room-lab/internal/logging"
)

// Uploader POSTs finished WAV files to an HTTP endpoint.
type Uploader struct {
	URL      string
	Token    string
	Client   *http.Client
	Attempts int
	Backoff  time.Duration
}

// NewUploader returns nil when url is empty, which disables uploads.
func NewUploader(url, token string) *Uploader {
	if url == "" {
		return nil
	}
	return &Uploader{
		URL:      url,
		Token:    token,
		Client:   &http.Client{Timeout: 2 * time.Minute},
		Attempts: 3,
		Backoff:  500 * time.Millisecond,
	}
}

// Upload sends rec's WAV with its identifying metadata as headers.
func (u *Uploader) Upload(ctx context.Context, rec Recording) error {
	data, err := os.ReadFile(rec.WAVPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", rec.WAVPath, err)
	}
	h := http.Header{}
	h.Set("Content-Type", "audio/wav")
	h.Set("X-Recording-Name", filepath.Base(rec.WAVPath))
	h.Set("X-Recording-Session", rec.Meta.SessionID)
	h.Set("X-Recording-Channel", rec.Meta.ChannelID)
	if rec.Meta.UserID != "" {
		h.Set("X-Recording-User", rec.Meta.UserID)
	}
	return postWithRetries(ctx, u.Client, u.URL, data, h, u.Token, u.Attempts, u.Backoff)
}

// postWithRetries POSTs body, retrying transport errors, 429 and 5xx with
// exponential backoff. Other non-2xx answers fail immediately.
func postWithRetries(ctx context.Context, client *http.Client, url string, body []byte, header http.Header, token string, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = http.DefaultClient
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled after %d attempts: %w", i, lastErr)
			case <-time.After(backoff * time.Duration(1<<(i-1))):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			logging.Debugw("upload attempt failed", "attempt", i+1, "url", url, "err", err)
			continue
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upload: %s: %s", resp.Status, bytes.TrimSpace(msg))
			logging.Debugw("upload attempt rejected", "attempt", i+1, "url", url, "status", resp.StatusCode)
		default:
			return fmt.Errorf("upload: %s: %s", resp.Status, bytes.TrimSpace(msg))
		}
	}
	return lastErr
}
