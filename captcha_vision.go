package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const visionPrompt = `Read the characters in this captcha image. ` +
	`Answer only with JSON of the form {"text": "<characters>", "confidence": <0..1>}. ` +
	`The characters are case sensitive letters and digits without spaces.`

// VisionSolver asks a hosted vision model to read the captcha.
type VisionSolver struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewVisionSolver authenticates with an API key when given, otherwise with a
// service account credentials file.
func NewVisionSolver(ctx context.Context, modelName, apiKey, credentialsFile string) (*VisionSolver, error) {
	var opt option.ClientOption
	switch {
	case apiKey != "":
		opt = option.WithAPIKey(apiKey)
	case credentialsFile != "":
		opt = option.WithCredentialsFile(credentialsFile)
	default:
		return nil, fmt.Errorf("no API key or credentials file")
	}

	client, err := genai.NewClient(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}

	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0)

	return &VisionSolver{client: client, model: model}, nil
}

func (s *VisionSolver) Name() string { return "vision" }

func (s *VisionSolver) Solve(ctx context.Context, image []byte) (Recognition, error) {
	format := strings.TrimPrefix(http.DetectContentType(image), "image/")
	resp, err := s.model.GenerateContent(ctx, genai.ImageData(format, image), genai.Text(visionPrompt))
	if err != nil {
		return Recognition{}, fmt.Errorf("vision generate error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Recognition{}, fmt.Errorf("vision returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return parseVisionAnswer(sb.String())
}

func (s *VisionSolver) Close() error {
	return s.client.Close()
}

// parseVisionAnswer accepts the JSON answer, tolerating a fenced code block
// or a bare line of text.
func parseVisionAnswer(raw string) (Recognition, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Recognition{}, fmt.Errorf("vision returned an empty answer")
	}

	if strings.HasPrefix(raw, "{") {
		var answer struct {
			Text       string   `json:"text"`
			Confidence *float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(raw), &answer); err != nil {
			return Recognition{}, fmt.Errorf("vision answer: %w", err)
		}
		if answer.Text == "" {
			return Recognition{}, fmt.Errorf("vision answer has no text")
		}
		return Recognition{Text: answer.Text, Confidence: answer.Confidence}, nil
	}

	return Recognition{Text: strings.Fields(raw)[0]}, nil
}
