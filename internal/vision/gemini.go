// internal/vision/gemini.go
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GeminiClient implements schemas.VisionQuerier against the generateContent
// REST API. One client is shared by the vision_query condition, the task
// planner and target refinement, so an outbound rate limiter lives here.
type GeminiClient struct {
	apiKey       string
	endpoint     string
	defaultModel string
	maxRetries   uint64
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

// -- Gemini wire structures (internal to this file) --

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type geminiRequestPayload struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client from config. The API key is
// mandatory.
func NewGeminiClient(cfg config.GeminiConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, schemas.E(schemas.ErrCodeConfig, "gemini API key is required (set VIGIL_GEMINI_API_KEY)")
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	}

	return &GeminiClient{
		apiKey:       cfg.APIKey,
		endpoint:     endpoint,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		httpClient:   &http.Client{Timeout: cfg.APITimeout},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1),
		logger:       logger.Named("vision.gemini"),
	}, nil
}

// Query sends one prompt (plus any inline PNG frames) to the API and returns
// the first candidate's text. Transient failures are retried with
// exponential backoff; blocked or malformed responses are permanent.
func (c *GeminiClient) Query(ctx context.Context, req schemas.VisionRequest) (*schemas.VisionResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, schemas.WrapE(schemas.ErrCodeVisionAPI, err)
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	requestID := uuid.NewString()
	log := c.logger.With(zap.String("request_id", requestID), zap.String("model", model))

	body, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, schemas.E(schemas.ErrCodeVisionAPI, "marshaling request payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s:generateContent", c.endpoint, model)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	var text string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			log.Warn("Network error during vision request, retrying...", zap.Error(err))
			return fmt.Errorf("executing HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.classifyStatus(log, resp.StatusCode, respBody)
		}

		var payload geminiResponsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response payload: %w", err))
		}
		if len(payload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini returned no candidates"))
		}

		candidate := payload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini blocked the request (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini returned empty content parts (reason: %s)", candidate.FinishReason)
		}

		log.Debug("Vision query complete",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount),
		)
		text = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, schemas.WrapE(schemas.ErrCodeVisionAPI, err)
	}
	return &schemas.VisionResponse{Text: text, Model: model, RequestID: requestID}, nil
}

func (c *GeminiClient) buildPayload(req schemas.VisionRequest) geminiRequestPayload {
	parts := make([]geminiPart, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(img),
		}})
	}
	parts = append(parts, geminiPart{Text: req.Prompt})

	genConfig := geminiGenerationConfig{Temperature: 0.1}
	if req.ForceJSON {
		genConfig.ResponseMimeType = "application/json"
	}
	return geminiRequestPayload{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: genConfig,
	}
}

// classifyStatus splits HTTP failures into retryable and permanent.
func (c *GeminiClient) classifyStatus(log *zap.Logger, statusCode int, body []byte) error {
	log.Error("Gemini API returned error status",
		zap.Int("status", statusCode), zap.ByteString("response", body))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}
