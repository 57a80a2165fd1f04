package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APISolver posts the image to a recognition service that answers with
// {"text": ...} or {"result": ...} and an optional "confidence".
type APISolver struct {
	url    string
	client *http.Client
}

func NewAPISolver(url string, client *http.Client) *APISolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &APISolver{url: url, client: client}
}

func (s *APISolver) Name() string { return "api" }

type apiRequest struct {
	Image string `json:"image"`
}

type apiResponse struct {
	Text       string   `json:"text"`
	Result     string   `json:"result"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error"`
}

func (s *APISolver) Solve(ctx context.Context, image []byte) (Recognition, error) {
	body, err := json.Marshal(apiRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return Recognition{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Recognition{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Recognition{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Recognition{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Recognition{}, fmt.Errorf("captcha api returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Recognition{}, fmt.Errorf("captcha api: %w", err)
	}
	if parsed.Error != "" {
		return Recognition{}, fmt.Errorf("captcha api: %s", parsed.Error)
	}

	text := parsed.Text
	if text == "" {
		text = parsed.Result
	}
	if text == "" {
		return Recognition{}, fmt.Errorf("captcha api returned no text")
	}
	return Recognition{Text: text, Confidence: parsed.Confidence}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
