// Package anthropic implements model.Client on top of the Anthropic Messages
// API using github.com/anthropics/anthropic-sdk-go. It translates the generic
// session types into Messages calls and maps responses (text, tool use,
// usage) back.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/deskpilot/deskpilot/model"
)

const providerName = "anthropic"

type (
	// MessagesClient captures the subset of the SDK client the adapter
	// uses. *sdk.MessageService satisfies it; tests pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
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
		msg          MessagesClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

// New builds an Anthropic-backed client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, model.NewProviderError(
			providerName, "messages.new", 0, model.ProviderErrorKindInvalidRequest, err.Error(), false, err)
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, classifyError(err)
	}
	return translateResponse(msg), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("max_tokens must be positive")
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if tools, terr := encodeTools(req.Tools); terr != nil {
		return nil, terr
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, errors.New("tool_use part missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case model.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			default:
				return nil, fmt.Errorf("unsupported part type %T", part)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("at least one user/assistant message is required")
	}
	return conversation, nil
}

// encodeToolResult builds a tool_result block. Screenshot outcomes carry the
// image as an inline base64 PNG alongside any text.
func encodeToolResult(v model.ToolResultPart) sdk.ContentBlockParamUnion {
	if len(v.ImagePNG) == 0 {
		return sdk.NewToolResultBlock(v.ToolUseID, v.Text, v.IsError)
	}
	var content []sdk.ToolResultBlockParamContentUnion
	if v.Text != "" {
		content = append(content, sdk.ToolResultBlockParamContentUnion{
			OfText: &sdk.TextBlockParam{Text: v.Text},
		})
	}
	content = append(content, sdk.ToolResultBlockParamContentUnion{
		OfImage: &sdk.ImageBlockParam{
			Source: sdk.ImageBlockParamSourceUnion{
				OfBase64: &sdk.Base64ImageSourceParam{
					Data:      base64.StdEncoding.EncodeToString(v.ImagePNG),
					MediaType: sdk.Base64ImageSourceMediaTypeImagePNG,
				},
			},
		},
	})
	return sdk.ContentBlockParamUnion{
		OfToolResult: &sdk.ToolResultBlockParam{
			ToolUseID: v.ToolUseID,
			IsError:   sdk.Bool(v.IsError),
			Content:   content,
		},
	}
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("tool %q is missing description", def.Name)
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) model.Response {
	var resp model.Response
	if msg == nil {
		return resp
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if resp.Text != "" {
				resp.Text += "\n"
			}
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	resp.StopReason = string(msg.StopReason)
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}

// classifyError wraps SDK failures in a ProviderError carrying the retry
// decision.
func classifyError(err error) *model.ProviderError {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind, retryable := model.ClassifyStatus(apiErr.StatusCode)
		return model.NewProviderError(
			providerName, "messages.new", apiErr.StatusCode, kind, apiErr.Error(), retryable, err)
	}
	// Transport-level failures (DNS, connection reset) are worth retrying.
	return model.NewProviderError(
		providerName, "messages.new", 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}
