package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 512

// NijivoiceClient calls the nijivoice voice generation API.
type NijivoiceClient struct {
	baseURL string
	apiKey  string
	format  string
	speed   float64
	client  *http.Client
}

func NewNijivoiceClient(baseURL, apiKey, format string, speed float64, timeout time.Duration) (*NijivoiceClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("nijivoice api key is not configured")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse nijivoice base url: %w", err)
	}
	return &NijivoiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		format:  format,
		speed:   speed,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}, nil
}

type nijivoiceRequest struct {
	Script string  `json:"script"`
	Format string  `json:"format"`
	Speed  float64 `json:"speed,string"`
}

type nijivoiceResponse struct {
	GeneratedVoice *struct {
		AudioFileURL string `json:"audioFileUrl"`
		Duration     int    `json:"duration"`
	} `json:"generatedVoice"`
}

func (c *NijivoiceClient) Synthesize(ctx context.Context, req Request) (Result, error) {
	payload := nijivoiceRequest{Script: req.Text, Format: req.Format, Speed: req.Speed}
	if payload.Format == "" {
		payload.Format = c.format
	}
	if payload.Speed == 0 {
		payload.Speed = c.speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	endpoint := c.baseURL + "/voice-actors/" + url.PathEscape(req.Voice) + "/generate-voice"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("accept", "application/json")
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("nijivoice request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var decoded nijivoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if decoded.GeneratedVoice == nil || decoded.GeneratedVoice.AudioFileURL == "" {
		return Result{}, fmt.Errorf("%w: missing generatedVoice.audioFileUrl", ErrMalformedResponse)
	}
	return Result{
		AudioURL:   decoded.GeneratedVoice.AudioFileURL,
		DurationMS: decoded.GeneratedVoice.Duration,
	}, nil
}
