package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxPromptText bounds how much conversation text is sent for titling.
const maxPromptText = 8000

// Client wraps the Anthropic API for conversation titling.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// Model returns the model name used for requests.
func (c *Client) Model() string {
	return string(c.model)
}

type titleResponse struct {
	Title string `json:"title"`
}

// buildTitlePrompt constructs the system and user prompts for titling a
// conversation.
func buildTitlePrompt(firstPrompt, userText string) (system string, user string) {
	system = `You name coding-assistant conversations. Given the user's first prompt and the rest of what the user typed, return a JSON object with exactly one field:

- "title": a short title (3-8 words) describing what the user worked on

Rules:
- Use sentence case, no trailing punctuation, no quotes inside the title
- Prefer concrete nouns (file, feature, bug) over generic words like "help" or "question"
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("First prompt:\n")
	sb.WriteString(clip(firstPrompt, maxPromptText/2))
	sb.WriteString("\n")
	if rest := strings.TrimSpace(strings.TrimPrefix(userText, firstPrompt)); rest != "" {
		sb.WriteString("\nLater user messages:\n")
		sb.WriteString(clip(rest, maxPromptText/2))
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// GenerateTitle asks the model for a short conversation title.
func (c *Client) GenerateTitle(ctx context.Context, firstPrompt, userText string) (string, error) {
	systemPrompt, userPrompt := buildTitlePrompt(firstPrompt, userText)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	return parseTitle(text)
}

// parseTitle decodes the model's JSON answer, tolerating markdown fencing.
func parseTitle(text string) (string, error) {
	text = stripFencing(text)
	var resp titleResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return "", fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return strings.TrimSpace(resp.Title), nil
}

func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
