// Package vertex implements the extraction model client on Vertex AI
// generative models. Prompts force JSON output; anything the model returns
// that does not parse is a transient failure for the orchestrator to retry.
package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"covenant/internal/document"
	"covenant/internal/extraction"
	"covenant/internal/platform/config"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

const classifySystemPrompt = `You are a regulatory document classifier. You receive an excerpt of a compliance document and respond with a single JSON object:
{"document_type": one of "permit", "consent", "certificate", "statement", "licence", "unknown", "confidence": a number between 0 and 1}
Respond with the JSON object only.`

const extractSystemPrompt = `You are a compliance obligation extractor. You receive the text of a regulatory document section and identify every obligation it imposes on the operator. Respond with a JSON array; each element:
{"title": short obligation title, "description": one-sentence summary, "original_text": the exact source text imposing the obligation, "span_start": character offset of original_text within the input, "span_end": end offset, "category": one of "monitoring", "reporting", "record_keeping", "emission_limit", "maintenance", "notification", "general", "frequency": one of "one_off", "weekly", "monthly", "quarterly", "annual", "anchor_date": ISO 8601 date the first deadline anchors to, or null, "confidence": a number between 0 and 1, "subjective": true when compliance requires professional judgement}
original_text must be copied verbatim from the input. Respond with the JSON array only, [] when the section imposes no obligations.`

const ocrSystemPrompt = `You are an OCR engine for scanned regulatory documents. You receive a document file and respond with a single JSON object:
{"text": the full recognized text with page breaks preserved as form feed characters, "quality": your confidence in the recognition as a number between 0 and 1}
Respond with the JSON object only.`

// Client drives pre-configured generative models, one per call shape.
type Client struct {
	classifier *genai.GenerativeModel
	extractor  *genai.GenerativeModel
	recognizer *genai.GenerativeModel
	base       *genai.Client
}

// New connects to Vertex AI and configures the models for JSON output.
func New(ctx context.Context, cfg config.VertexConfig) (*Client, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "vertex project and region are required")
	}

	base, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("vertex client: %w", err)
	}

	classifier := base.GenerativeModel(cfg.Model)
	classifier.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(classifySystemPrompt)},
	}
	classifier.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	extractor := base.GenerativeModel(cfg.Model)
	extractor.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(extractSystemPrompt)},
	}
	extractor.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	recognizer := base.GenerativeModel(cfg.Model)
	recognizer.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ocrSystemPrompt)},
	}
	recognizer.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &Client{classifier: classifier, extractor: extractor, recognizer: recognizer, base: base}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.base.Close()
}

type classifyResponse struct {
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
}

// Classify implements extraction.ModelClient.
func (c *Client) Classify(ctx context.Context, excerpt string) (extraction.Classification, extraction.Usage, error) {
	resp, err := c.classifier.GenerateContent(ctx, genai.Text(excerpt))
	if err != nil {
		return extraction.Classification{}, extraction.Usage{}, translateError(err)
	}
	usage := usageFrom(resp)

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(responseText(resp)), &parsed); err != nil {
		return extraction.Classification{}, usage, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed classification response")
	}

	docType, err := document.ParseType(parsed.DocumentType)
	if err != nil {
		docType = document.TypeUnknown
	}
	return extraction.Classification{Type: docType, Confidence: parsed.Confidence}, usage, nil
}

type extractedObligation struct {
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	OriginalText string  `json:"original_text"`
	SpanStart    int     `json:"span_start"`
	SpanEnd      int     `json:"span_end"`
	Category     string  `json:"category"`
	Frequency    string  `json:"frequency"`
	AnchorDate   *string `json:"anchor_date"`
	Confidence   float64 `json:"confidence"`
	Subjective   bool    `json:"subjective"`
}

// Extract implements extraction.ModelClient.
func (c *Client) Extract(ctx context.Context, text string, docType document.Type) ([]extraction.Candidate, extraction.Usage, error) {
	prompt := fmt.Sprintf("Document type: %s\n\n%s", docType, text)
	resp, err := c.extractor.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, extraction.Usage{}, translateError(err)
	}
	usage := usageFrom(resp)

	var parsed []extractedObligation
	if err := json.Unmarshal([]byte(responseText(resp)), &parsed); err != nil {
		return nil, usage, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed extraction response")
	}

	candidates := make([]extraction.Candidate, 0, len(parsed))
	for _, e := range parsed {
		cand := extraction.Candidate{
			Title:        e.Title,
			Description:  e.Description,
			OriginalText: e.OriginalText,
			SpanStart:    e.SpanStart,
			SpanEnd:      e.SpanEnd,
			Category:     id.ParseCategory(e.Category),
			Condition:    id.ConditionStandard,
			Confidence:   e.Confidence,
			Subjective:   e.Subjective,
		}
		if freq, err := id.ParseFrequency(e.Frequency); err == nil {
			cand.Frequency = freq
		}
		if cand.Subjective {
			cand.Condition = id.ConditionSubjective
		}
		if e.AnchorDate != nil {
			if anchor, err := parseDate(*e.AnchorDate); err == nil {
				cand.AnchorDate = &anchor
			}
		}
		candidates = append(candidates, cand)
	}
	return candidates, usage, nil
}

type ocrResponse struct {
	Text    string  `json:"text"`
	Quality float64 `json:"quality"`
}

// Recognize implements ingest.OCREngine for scanned documents.
func (c *Client) Recognize(ctx context.Context, fileBytes []byte) (string, float64, error) {
	part := genai.Blob{MIMEType: "application/pdf", Data: fileBytes}
	resp, err := c.recognizer.GenerateContent(ctx, part)
	if err != nil {
		return "", 0, translateError(err)
	}

	var parsed ocrResponse
	if err := json.Unmarshal([]byte(responseText(resp)), &parsed); err != nil {
		return "", 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "malformed recognition response")
	}
	return parsed.Text, parsed.Quality, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

func usageFrom(resp *genai.GenerateContentResponse) extraction.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return extraction.Usage{}
	}
	u := extraction.Usage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// translateError maps provider failures onto the transient taxonomy the
// orchestrator retries.
func translateError(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return dErrors.Wrap(err, dErrors.CodeTimeout, "model call timed out")
	case codes.ResourceExhausted:
		return dErrors.Wrap(err, dErrors.CodeRateLimited, "model call rate limited")
	case codes.Canceled:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "model call failed")
	}
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
