package vision

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
)

var (
	// ErrNoAPIKey is returned when the vision client is constructed without
	// an API key. Callers treat it as "vision disabled", not a failure.
	ErrNoAPIKey = errors.New("vision API key is not configured")

	// ErrUnavailable is returned when the vision endpoint cannot be reached
	// or answers with a non-OK status.
	ErrUnavailable = errors.New("vision service unavailable")
)

// ImageRequest is the input of both vision operations: the poster image plus
// optional caption/timestamp hints that improve date disambiguation.
type ImageRequest struct {
	ImageData     []byte
	MimeType      string
	Caption       string
	PostTimestamp time.Time
}

// Client calls an OpenAI-compatible chat-completions endpoint with the image
// attached and a strict-JSON response format.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(cfg config.VisionConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

const classifyPrompt = `You are reviewing an Instagram post image to decide whether it announces an event (concert, meetup, workshop, market, exhibition, ...).
Answer with strict JSON: {"isEventPoster": bool, "confidence": number 0-1, "reasoning": string, "cues": [string], "shouldExtractEvents": bool}.
Set shouldExtractEvents to false when the image mentions an event but carries no usable date or schedule information.`

const extractPrompt = `Extract every calendar event announced by this poster image as strict JSON:
{"events": [{"title": string, "description": string, "startDate": "YYYY-MM-DD", "startTime": "HH:MM", "endDate": string, "endTime": string, "timezone": IANA string, "venue": string, "organizer": string, "category": string, "tags": [string], "registrationUrl": string, "contactInfo": string, "additionalInfo": string, "occurrenceType": "single"|"recurring"|"series", "recurrenceRule": string, "seriesDates": [string]}], "extractionConfidence": {"overall": number 0-1, "notes": string}}.
A recurring-series poster yields one event per occurrence when explicit dates are listed.`

// ClassifyImage asks the vision model whether the image is an event poster.
func (c *Client) ClassifyImage(req ImageRequest) (*types.ClassificationResult, error) {
	var result types.ClassificationResult
	if err := c.complete(classifyPrompt, req, &result); err != nil {
		return nil, err
	}
	result.Method = "ai"
	return &result, nil
}

// ExtractEvents asks the vision model for the structured events on the poster.
func (c *Client) ExtractEvents(req ImageRequest) (*types.ExtractionResult, error) {
	var result types.ExtractionResult
	if err := c.complete(extractPrompt, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(prompt string, req ImageRequest, out any) error {
	hint := prompt
	if req.Caption != "" {
		hint += fmt.Sprintf("\n\nPost caption:\n%s", req.Caption)
	}
	if !req.PostTimestamp.IsZero() {
		hint += fmt.Sprintf("\n\nThe post was published on %s; interpret relative or year-less dates accordingly.", req.PostTimestamp.Format("2006-01-02"))
	}

	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(req.ImageData))

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: hint},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return fmt.Errorf("error marshaling vision request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating vision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading vision response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logrus.Warnf("Vision endpoint returned status %d: %s", resp.StatusCode, string(body))
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return fmt.Errorf("error parsing vision response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), out); err != nil {
		return fmt.Errorf("error parsing vision model output: %w", err)
	}
	return nil
}
