package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Classifier Model Prompts ---
const ClassifierSystemPrompt = "You are a data typing assistant. You classify business data fields into exactly one of four types: number, date, categorical, string. You must output your response as a single valid JSON object."
const ClassifierUserPrompt = `Classify each field below using its example value.

Allowed types: "number", "date", "categorical", "string". Use no other value.

Rules:
1.  Alphanumeric codes such as "INV-001" or "PO-2024-17" are "categorical", never "date".
2.  Purely numeric identifiers and amounts (currency, percentages, counts) are "number".
3.  Short enumerable tokens such as statuses, regions or currencies are "categorical".
4.  Calendar dates in any format are "date".
5.  Free text and descriptions are "string".

Return a JSON object mapping every field name exactly as given to its type, for example:
{"Invoice No": "categorical", "Total": "number"}

Fields (name -> example value):
`

// --- Extractor Model Prompts ---
const ExtractorSystemPrompt = "You are a precise document data extractor. You read business documents and return the requested fields as a single valid JSON object. You never invent values."
const ExtractorUserPrompt = `Extract the following fields from the attached document.

Follow these rules precisely:
1.  If the document contains tables, column headers are field names and rows are data. Never treat a single table cell as an independent field.
2.  When a field name implies a total, prefer the totals or summary row.
3.  Never fabricate values. Copy values as they appear in the document.
4.  Every requested field must appear in the output. Use the literal string "N/A" when a field is not found.
5.  Return ONLY a JSON object whose keys are the field names exactly as given and whose values are strings.
`

// VertexClient holds all pre-configured generative models for our app.
type VertexClient struct {
	ClassifierModel *genai.GenerativeModel
	ExtractorModel  *genai.GenerativeModel
	baseClient      *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" || modelName == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID, region and modelName cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	classifierModel := baseClient.GenerativeModel(modelName)
	classifierModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ClassifierSystemPrompt)},
	}
	classifierModel.GenerationConfig = jsonGenerationConfig()

	extractorModel := baseClient.GenerativeModel(modelName)
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = jsonGenerationConfig()
	extractorModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		ClassifierModel: classifierModel,
		ExtractorModel:  extractorModel,
		baseClient:      baseClient,
	}, nil
}

func jsonGenerationConfig() genai.GenerationConfig {
	return genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
}

// Classify asks the classifier model for a type per field and returns the raw
// JSON text of its answer. Validation is the caller's job.
func (c *VertexClient) Classify(ctx context.Context, samples map[string]string) (string, error) {
	payload, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal samples: %w", err)
	}

	resp, err := c.ClassifierModel.GenerateContent(ctx, genai.Text(ClassifierUserPrompt+string(payload)))
	if err != nil {
		return "", fmt.Errorf("failed to classify fields with gemini: %w", err)
	}
	return ResponseText(resp), nil
}

// ExtractionInput is everything the extractor model needs for one document.
type ExtractionInput struct {
	Fields      []string
	ContextHint string
	MIMEType    string
	// Exactly one of Data and FileURI is set. FileURI is used for documents
	// too large to send inline.
	Data    []byte
	FileURI string
}

// Extract asks the extractor model for the requested fields and returns the
// raw JSON text of its answer.
func (c *VertexClient) Extract(ctx context.Context, in ExtractionInput) (string, error) {
	fields, err := json.Marshal(in.Fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}

	var prompt strings.Builder
	prompt.WriteString(ExtractorUserPrompt)
	if hint := strings.TrimSpace(in.ContextHint); hint != "" {
		prompt.WriteString("\nDocument context: ")
		prompt.WriteString(hint)
		prompt.WriteString("\n")
	}
	prompt.WriteString("\nFields: ")
	prompt.Write(fields)

	var document genai.Part
	if in.FileURI != "" {
		document = genai.FileData{MIMEType: in.MIMEType, FileURI: in.FileURI}
	} else {
		document = genai.Blob{MIMEType: in.MIMEType, Data: in.Data}
	}

	resp, err := c.ExtractorModel.GenerateContent(ctx, document, genai.Text(prompt.String()))
	if err != nil {
		return "", fmt.Errorf("failed to extract fields with gemini: %w", err)
	}
	return ResponseText(resp), nil
}

// ResponseText concatenates the text parts of the first candidate and strips
// any markdown code fence around them.
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			content.WriteString(string(txt))
		}
	}
	return StripCodeFence(content.String())
}

// StripCodeFence removes a surrounding ```json or ``` fence.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
