package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPChannel is a Channel backed by a plain HTTP object store: POST
// /objects/{name} to create an object (response body is the decimal message
// id), GET /objects/{id} to fetch it, DELETE /objects/{id} to remove it.
// Timeouts and bounded retry-on-5xx are the only assumptions made about the
// remote protocol beyond "opaque blob store over HTTP".
type HTTPChannel struct {
	BaseURL string
	Client  *http.Client

	// MaxRetries bounds the number of 5xx retries per request.
	MaxRetries int
}

// NewHTTPChannel returns a channel posting against baseURL.
func NewHTTPChannel(baseURL string) *HTTPChannel {
	return &HTTPChannel{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: 2 * time.Minute,
		},
		MaxRetries: 5,
	}
}

func (h *HTTPChannel) do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error
	for backoff, attempt := time.Second, 0; ; attempt++ {
		resp, err = h.Client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 500 || attempt >= h.MaxRetries {
			return resp, nil
		}
		log.Warn().
			Str("url", req.URL.String()).
			Int("status", resp.StatusCode).
			Int("attempt", attempt).
			Msg("remote object store returned a server error, retrying")
		resp.Body.Close()
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (h *HTTPChannel) Post(ctx context.Context, objectName string, r io.Reader, size int64, progress func(sent, total int64)) (int64, error) {
	body := &progressReader{r: r, total: size, progress: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.BaseURL+"/objects/"+url.PathEscape(objectName), body)
	if err != nil {
		return 0, err
	}
	req.ContentLength = size

	resp, err := h.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("remote: upload failed with HTTP %d: %s", resp.StatusCode, string(data))
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("remote: could not parse message id from response: %w", err)
	}
	return id, nil
}

func (h *HTTPChannel) Get(ctx context.Context, messageID int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/objects/%d", h.BaseURL, messageID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote: download failed with HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func (h *HTTPChannel) Delete(ctx context.Context, messageIDs []int64) error {
	for _, id := range messageIDs {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			fmt.Sprintf("%s/objects/%d", h.BaseURL, id), nil)
		if err != nil {
			log.Error().Err(err).Int64("id", id).Msg("failed to build delete request")
			continue
		}
		resp, err := h.do(req)
		if err != nil {
			log.Error().Err(err).Int64("id", id).Msg("failed to delete remote object, leaving orphan")
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			log.Error().Int64("id", id).Int("status", resp.StatusCode).Msg("failed to delete remote object, leaving orphan")
		}
	}
	return nil
}

// progressReader wraps an io.Reader and invokes progress at 5% increments
// of total, giving callers a steady upload-progress logging cadence.
type progressReader struct {
	r         io.Reader
	total     int64
	sent      int64
	lastNotch int64
	progress  func(sent, total int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if len(buf) > netWriteChunkSize {
		buf = buf[:netWriteChunkSize]
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		if p.progress != nil && p.total > 0 {
			notch := (p.sent * 20) / p.total // 20 notches == 5% increments
			if notch > p.lastNotch {
				p.lastNotch = notch
				p.progress(p.sent, p.total)
			}
		}
	}
	return n, err
}
