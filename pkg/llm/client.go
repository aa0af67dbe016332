// Package llm wraps the chat-completion provider behind a small client
// interface and implements the llm_agent step worker on top of it.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Attachment is a runtime-only file rider: resolved for one execution and
// never persisted.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// IsImage reports whether the attachment goes out as a vision part.
func (a Attachment) IsImage() bool {
	switch a.MIMEType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	}
	return false
}

// Request is one completion call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Attachments []Attachment
	MaxTokens   int
	Temperature float32
}

// Response is the provider's answer plus usage accounting.
type Response struct {
	Content    string
	TokensUsed int
	Model      string
}

// Client is the completion port the planner and agent worker depend on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ChatClient captures the subset of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client via the Chat Completions API.
type OpenAIClient struct {
	chat         ChatClient
	defaultModel string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient wraps an existing chat client.
func NewOpenAIClient(chat ChatClient, defaultModel string) (*OpenAIClient, error) {
	if chat == nil {
		return nil, errors.New("chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &OpenAIClient{chat: chat, defaultModel: defaultModel}, nil
}

// NewOpenAIClientFromConfig builds the underlying go-openai client. baseURL
// may be empty for the default endpoint, or point at any compatible
// provider.
func NewOpenAIClientFromConfig(apiKey, baseURL, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAIClient(openai.NewClientWithConfig(cfg), defaultModel)
}

// Complete issues one chat completion. Image attachments become vision
// parts on the user message; text attachments are inlined into the prompt
// by the caller before it gets here.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	images := make([]Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		if a.IsImage() {
			images = append(images, a)
		}
	}
	if len(images) == 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	} else {
		parts := []openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: req.Prompt,
		}}
		for _, img := range images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s",
						img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)),
				},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	}

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	return &Response{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Model:      resp.Model,
	}, nil
}
