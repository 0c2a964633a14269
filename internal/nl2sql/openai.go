package nl2sql

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIClient drafts responses and judges them against an OpenAI-compatible
// chat completions endpoint.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

const draftSystemPrompt = "You are the assistant of a multi-tenant accounting product. " +
	"Answer the user's question about their business. " +
	"When the answer needs the user's data, respond with ONLY a single PostgreSQL SELECT statement and nothing else. " +
	"When it does not, respond in plain language without any SQL."

const judgeSystemPrompt = "You classify assistant responses. " +
	"Decide whether the text is a SQL statement meant for execution or a natural-language answer. " +
	`Respond with ONLY a JSON object of the form {"kind":"sql"|"nl","confidence":<number between 0 and 1>}.`

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *OpenAIClient) Draft(ctx context.Context, req DraftRequest) (string, error) {
	userPrompt, err := buildDraftPrompt(req)
	if err != nil {
		return "", err
	}
	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: draftSystemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("model returned an empty draft")
	}
	return content, nil
}

func (c *OpenAIClient) Judge(ctx context.Context, text string) (Judgement, error) {
	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		return Judgement{}, err
	}
	return parseJudgement(content)
}

func (c *OpenAIClient) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatPayload{Model: c.model, Messages: messages, Temperature: c.temperature})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildDraftPrompt(req DraftRequest) (string, error) {
	tablesJSON, err := json.Marshal(req.Tables)
	if err != nil {
		return "", fmt.Errorf("marshal table context: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tenant: %s\nSchema (JSON):\n%s\n\nQuestion:\n%s\n\n", req.TenantID, string(tablesJSON), strings.TrimSpace(req.Question))
	b.WriteString("Rules:\n- Use only listed tables and columns.\n- Read-only statements only.\n")
	b.WriteString("- Filter every table marked tenant_scoped by company_id = '" + req.TenantID + "'.\n")
	if req.Attempt > 0 {
		fmt.Fprintf(&b, "\nYour previous statement was rejected (attempt %d):\n%s\n\nProblems:\n", req.Attempt, strings.TrimSpace(req.PreviousSQL))
		for _, defect := range req.PriorDefects {
			b.WriteString("- " + defect + "\n")
		}
		b.WriteString("Return a corrected statement.\n")
	}
	return b.String(), nil
}

func parseJudgement(content string) (Judgement, error) {
	raw := StripMarkdownSQL(content)
	raw = strings.TrimPrefix(raw, "json")
	var judgement Judgement
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &judgement); err != nil {
		return Judgement{}, fmt.Errorf("decode judgement: %w", err)
	}
	switch Kind(strings.ToLower(string(judgement.Kind))) {
	case KindSQL:
		judgement.Kind = KindSQL
	case KindNL:
		judgement.Kind = KindNL
	default:
		return Judgement{}, fmt.Errorf("unknown judgement kind %q", judgement.Kind)
	}
	return judgement, nil
}

// StripMarkdownSQL removes a surrounding markdown code fence, if any.
func StripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
