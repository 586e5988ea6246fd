package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Dialer opens the long-lived body of one topic
type Dialer interface {
	Dial(ctx context.Context, url, token string) (io.ReadCloser, error)
}

// StatusError is returned when the server answers a stream request with a non-2xx status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream %s refused: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// RestyDialer dials topics over HTTP using resty without buffering the body
type RestyDialer struct {
	http *resty.Client
}

// NewRestyDialer creates a dialer. No client timeout is set: generations may
// legitimately stream for minutes.
func NewRestyDialer() *RestyDialer {
	return &RestyDialer{
		http: resty.New().
			SetHeader("Accept", "text/event-stream").
			SetHeader("Cache-Control", "no-cache"),
	}
}

// Dial opens the topic. The token travels only in the Authorization header.
func (d *RestyDialer) Dial(ctx context.Context, url, token string) (io.ReadCloser, error) {
	req := d.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("X-Request-ID", uuid.New().String())
	if token != "" {
		req.SetAuthToken(token)
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	body := resp.RawBody()
	if !resp.IsSuccess() {
		if body != nil {
			body.Close()
		}
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode()}
	}
	if body == nil {
		return nil, fmt.Errorf("stream %s returned no body", url)
	}
	return body, nil
}
