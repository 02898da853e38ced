// Package vision performs the non-streaming image description calls the
// AI core needs: the realtime session does not accept images, so each
// camera frame is summarized by a standard vision-capable completion
// model and the summary is injected back into the streaming conversation
// as text.
package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultPrompt asks for the short objective description the streaming
// session expects to receive.
const DefaultPrompt = "Describe what you see in this image in 2-3 short, objective sentences. " +
	"Mention people, objects, and the setting. Do not speculate beyond what is visible."

// Describer turns a camera frame into a short textual description.
type Describer interface {
	Describe(ctx context.Context, imageBase64 string) (string, error)
}

// Client is the production Describer backed by a vision-capable
// completion model.
type Client struct {
	api    openai.Client
	model  string
	prompt string
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the default vision model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithPrompt overrides the description prompt.
func WithPrompt(prompt string) Option {
	return func(c *Client) { c.prompt = prompt }
}

// NewClient creates a vision client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		api:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModelGPT4oMini,
		prompt: DefaultPrompt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe runs one vision completion over the base64-encoded JPEG frame.
func (c *Client) Describe(ctx context.Context, imageBase64 string) (string, error) {
	dataURL := imageBase64
	if !strings.HasPrefix(imageBase64, "data:") {
		dataURL = "data:image/jpeg;base64," + imageBase64
	}
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
							openai.TextContentPart(c.prompt),
							openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
								URL: dataURL,
							}),
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision: empty completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
