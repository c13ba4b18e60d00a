package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"dentai/internal/backoff"
)

// RemoteConfig points at a model-serving sidecar that accepts an image upload
// and returns bounding boxes.
type RemoteConfig struct {
	URL           string
	APIKey        string
	MinConfidence float64
	HTTPClient    *http.Client
	MaxRetries    int
	BackoffBase   time.Duration
}

type Remote struct {
	cfg   RemoteConfig
	retry backoff.Policy
}

func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Remote{
		cfg:   cfg,
		retry: backoff.Policy{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase},
	}
}

var _ Detector = (*Remote)(nil)

func (r *Remote) Detect(ctx context.Context, img Image) ([]Detection, error) {
	if strings.TrimSpace(r.cfg.URL) == "" {
		return nil, ErrUnavailable
	}
	body, contentType, err := multipartBody(img)
	if err != nil {
		return nil, err
	}
	dets, err := backoff.Do(ctx, r.retry, func(ctx context.Context) ([]Detection, bool, error) {
		return r.callOnce(ctx, body, contentType)
	})
	if err != nil {
		return nil, err
	}

	kept := dets[:0]
	for _, d := range dets {
		if d.Confidence >= r.cfg.MinConfidence {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

func multipartBody(img Image) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", img.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (r *Remote) callOnce(ctx context.Context, body []byte, contentType string) (dets []Detection, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build detector request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read detector response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("detector temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("detector status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	dets, err = parseDetections(b)
	if err != nil {
		return nil, false, err
	}
	return dets, false, nil
}

type ultralyticsBox struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Box        struct {
		X1 float64 `json:"x1"`
		Y1 float64 `json:"y1"`
		X2 float64 `json:"x2"`
		Y2 float64 `json:"y2"`
	} `json:"box"`
}

// parseDetections accepts {"detections":[{label,confidence,bbox}]} or the
// Ultralytics results list [{name,confidence,box:{x1,y1,x2,y2}}].
func parseDetections(body []byte) ([]Detection, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty detector response")
	}

	if trimmed[0] == '[' {
		var boxes []ultralyticsBox
		if err := json.Unmarshal(trimmed, &boxes); err != nil {
			return nil, fmt.Errorf("decode detector response: %w", err)
		}
		out := make([]Detection, 0, len(boxes))
		for _, b := range boxes {
			out = append(out, Detection{
				Label:      b.Name,
				Confidence: b.Confidence,
				BBox:       [4]float64{b.Box.X1, b.Box.Y1, b.Box.X2, b.Box.Y2},
			})
		}
		return out, nil
	}

	var doc struct {
		Detections *[]Detection `json:"detections"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	if doc.Detections == nil {
		return nil, fmt.Errorf("detector response has no detections field")
	}
	return *doc.Detections, nil
}
