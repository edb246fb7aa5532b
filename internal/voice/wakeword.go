package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Scorer rates a frame for the wake phrase, 0..1.
type Scorer interface {
	Score(ctx context.Context, pcm []float32, sampleRate int) (float64, error)
}

// Detector gates voice input on a wake phrase. When the backend is
// unavailable detection simply never fires; the pipeline keeps running
// and an operator can disable the gate instead.
type Detector struct {
	mu        sync.Mutex
	enabled   bool
	threshold float64
	model     Scorer
}

func NewDetector(enabled bool, threshold float64, model Scorer) *Detector {
	if threshold <= 0 {
		threshold = 0.55
	}
	return &Detector{enabled: enabled, threshold: threshold, model: model}
}

func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetConfig adjusts the gate at runtime. Nil pointers leave the current
// setting in place.
func (d *Detector) SetConfig(enabled *bool, threshold *float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if enabled != nil {
		d.enabled = *enabled
	}
	if threshold != nil && *threshold > 0 {
		d.threshold = *threshold
	}
}

// Detect reports whether the frame triggers the wake phrase. Backend
// errors score as a miss.
func (d *Detector) Detect(pcm []float32, sampleRate int) bool {
	d.mu.Lock()
	model := d.model
	threshold := d.threshold
	d.mu.Unlock()
	if model == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	score, err := model.Score(ctx, pcm, sampleRate)
	if err != nil {
		return false
	}
	return score >= threshold
}

// HTTPScorer calls a wake-word inference endpoint with raw PCM16 audio.
type HTTPScorer struct {
	HTTPClient *http.Client
	Endpoint   string
	Token      string

	warnOnce sync.Once
}

func NewHTTPScorer(endpoint, token string) *HTTPScorer {
	return &HTTPScorer{
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
		Endpoint:   endpoint,
		Token:      token,
	}
}

func (s *HTTPScorer) Score(ctx context.Context, pcm []float32, sampleRate int) (float64, error) {
	if s.Endpoint == "" {
		return 0, fmt.Errorf("wakeword endpoint not configured")
	}
	body := pcm16Bytes(pcm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Sample-Rate", fmt.Sprintf("%d", sampleRate))
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		s.warnOnce.Do(func() { log.Printf("wakeword backend unreachable, gate will not fire: %v", err) })
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("wakeword backend: status=%d", resp.StatusCode)
	}
	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Score, nil
}

// pcm16Bytes converts float32 samples to little-endian PCM16 with
// clipping.
func pcm16Bytes(pcm []float32) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}
