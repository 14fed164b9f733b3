package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// SystemPrompt is sent with every analysis request.
const SystemPrompt = `You are an analyst for a business-for-sale marketplace. ` +
	`Respond with a single JSON object and no surrounding prose.`

var promptTemplates = map[models.JobType]*template.Template{
	models.JobTypeBusinessAnalysis: template.Must(template.New("business_analysis").Parse(
		`Produce a business analysis for listing {{.SubjectID}}.
Cover revenue quality, margins, owner dependence and growth levers.
Return JSON with keys "summary", "strengths", "risks" and "score" (0-100).
{{if .Parameters}}Additional context: {{.Parameters}}{{end}}`)),

	models.JobTypeMarketIntelligence: template.Must(template.New("market_intelligence").Parse(
		`Produce market intelligence for listing {{.SubjectID}}.
Describe the competitive landscape, comparable sales and demand trends.
Return JSON with keys "summary", "comparables" and "trends".
{{if .Parameters}}Additional context: {{.Parameters}}{{end}}`)),

	models.JobTypeDueDiligence: template.Must(template.New("due_diligence").Parse(
		`Prepare a due diligence checklist for listing {{.SubjectID}}.
Flag the documents a buyer must request and the questions to ask the seller.
Return JSON with keys "summary", "documents" and "questions".
{{if .Parameters}}Additional context: {{.Parameters}}{{end}}`)),

	models.JobTypeBuyerMatch: template.Must(template.New("buyer_match").Parse(
		`Rank likely buyer profiles for listing {{.SubjectID}}.
Return JSON with keys "summary" and "profiles", where each profile has "type", "fit" (0-100) and "rationale".
{{if .Parameters}}Additional context: {{.Parameters}}{{end}}`)),
}

type promptData struct {
	SubjectID  string
	Parameters string
}

// RenderPrompt builds the user prompt for req.
func RenderPrompt(req models.AnalysisRequest) (string, error) {
	tmpl, ok := promptTemplates[req.Key.Type]
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidJobType, req.Key.Type)
	}

	data := promptData{SubjectID: req.Key.SubjectID}
	if len(req.Parameters) > 0 && string(req.Parameters) != "null" {
		data.Parameters = truncateString(string(req.Parameters), maxParameterBytes)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// DecodeModelOutput turns raw model text into a JSON document. Code fences
// are stripped; text that is not a JSON object is wrapped as {"summary": text}.
func DecodeModelOutput(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}

	candidate := text
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(strings.TrimSpace(candidate), "```")
		candidate = strings.TrimSpace(candidate)
	}
	if start, end := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); start >= 0 && end > start {
		obj := candidate[start : end+1]
		if json.Valid([]byte(obj)) {
			return json.RawMessage(obj), nil
		}
	}

	wrapped, err := json.Marshal(map[string]string{"summary": truncateString(text, maxSummaryBytes)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return wrapped, nil
}
