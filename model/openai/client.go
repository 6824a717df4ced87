// Package openai implements model.Client on top of the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai. It lets the agent
// loop run against OpenAI-compatible services without touching the loop
// itself.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	oai "github.com/sashabaranov/go-openai"

	"github.com/deskpilot/deskpilot/model"
)

const providerName = "openai"

type (
	// ChatClient captures the subset of the SDK client the adapter uses.
	// *oai.Client satisfies it; tests pass a mock.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, req oai.ChatCompletionRequest) (oai.ChatCompletionResponse, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty.
		DefaultModel string
		// MaxTokens is the default completion cap when a request does
		// not specify one.
		MaxTokens int
		// Temperature is used when a request does not specify one.
		Temperature float64
	}

	// Client implements model.Client.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

// New builds an OpenAI-backed client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(oai.NewClient(apiKey), opts)
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	oreq, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, model.NewProviderError(
			providerName, "chat.completions", 0, model.ProviderErrorKindInvalidRequest, err.Error(), false, err)
	}
	resp, err := c.chat.CreateChatCompletion(ctx, *oreq)
	if err != nil {
		return model.Response{}, classifyError(err)
	}
	return translateResponse(resp)
}

func (c *Client) prepareRequest(req model.Request) (*oai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	msgs := make([]oai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, oai.ChatCompletionMessage{
			Role:    oai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, encoded...)
	}

	oreq := &oai.ChatCompletionRequest{
		Model:    modelID,
		Messages: msgs,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		oreq.MaxTokens = maxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		oreq.Temperature = float32(temp)
	}
	for _, def := range req.Tools {
		if def.Name == "" {
			continue
		}
		oreq.Tools = append(oreq.Tools, oai.Tool{
			Type: oai.ToolTypeFunction,
			Function: &oai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return oreq, nil
}

// encodeMessage converts one session message. A single message may expand to
// several chat messages: tool results become role "tool" entries, and result
// images ride along in a follow-up user message since tool messages cannot
// carry image content.
func encodeMessage(m *model.Message) ([]oai.ChatCompletionMessage, error) {
	switch m.Role {
	case model.RoleAssistant:
		out := oai.ChatCompletionMessage{Role: oai.ChatMessageRoleAssistant}
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				out.Content += v.Text
			case model.ToolUsePart:
				out.ToolCalls = append(out.ToolCalls, oai.ToolCall{
					ID:   v.ID,
					Type: oai.ToolTypeFunction,
					Function: oai.FunctionCall{
						Name:      v.Name,
						Arguments: string(v.Input),
					},
				})
			default:
				return nil, fmt.Errorf("unsupported assistant part type %T", part)
			}
		}
		return []oai.ChatCompletionMessage{out}, nil

	case model.RoleUser:
		var out []oai.ChatCompletionMessage
		var images []oai.ChatMessagePart
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				out = append(out, oai.ChatCompletionMessage{
					Role:    oai.ChatMessageRoleUser,
					Content: v.Text,
				})
			case model.ToolResultPart:
				content := v.Text
				if content == "" {
					if len(v.ImagePNG) > 0 {
						content = "screenshot attached below"
					} else {
						content = "ok"
					}
				}
				out = append(out, oai.ChatCompletionMessage{
					Role:       oai.ChatMessageRoleTool,
					ToolCallID: v.ToolUseID,
					Content:    content,
				})
				if len(v.ImagePNG) > 0 {
					images = append(images, oai.ChatMessagePart{
						Type: oai.ChatMessagePartTypeImageURL,
						ImageURL: &oai.ChatMessageImageURL{
							URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(v.ImagePNG),
						},
					})
				}
			default:
				return nil, fmt.Errorf("unsupported user part type %T", part)
			}
		}
		if len(images) > 0 {
			out = append(out, oai.ChatCompletionMessage{
				Role:         oai.ChatMessageRoleUser,
				MultiContent: images,
			})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported message role %q", m.Role)
	}
}

func translateResponse(resp oai.ChatCompletionResponse) (model.Response, error) {
	if len(resp.Choices) == 0 {
		return model.Response{}, model.NewProviderError(
			providerName, "chat.completions", 0, model.ProviderErrorKindUnknown, "response carried no choices", false, nil)
	}
	choice := resp.Choices[0]
	out := model.Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}
	return out, nil
}

// classifyError wraps SDK failures in a ProviderError carrying the retry
// decision.
func classifyError(err error) *model.ProviderError {
	var apiErr *oai.APIError
	if errors.As(err, &apiErr) {
		kind, retryable := model.ClassifyStatus(apiErr.HTTPStatusCode)
		return model.NewProviderError(
			providerName, "chat.completions", apiErr.HTTPStatusCode, kind, apiErr.Message, retryable, err)
	}
	var reqErr *oai.RequestError
	if errors.As(err, &reqErr) {
		kind, retryable := model.ClassifyStatus(reqErr.HTTPStatusCode)
		return model.NewProviderError(
			providerName, "chat.completions", reqErr.HTTPStatusCode, kind, reqErr.Error(), retryable, err)
	}
	return model.NewProviderError(
		providerName, "chat.completions", 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}
