// Package anthropic wraps the Messages API of the official SDK behind a small
// interface so extraction streams can be tested without the network.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client sends one Messages API request.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of plain text.
type Message struct {
	Role    Role
	Content string
}

// Request is a single-prompt completion.
type Request struct {
	Model     string
	MaxTokens int64
	System    string
	// CacheSystem places a cache breakpoint after the system prompt.
	// CacheTTL is "5m" or "1h"; empty leaves the API default.
	CacheSystem bool
	CacheTTL    string
	Messages    []Message
	Temperature *float64
}

// Usage counts billed tokens.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Total is every token billed for the call.
func (u Usage) Total() int64 { return u.Input + u.Output + u.CacheWrite + u.CacheRead }

// Response is the reply with its text blocks joined.
type Response struct {
	ID         string
	Model      string
	StopReason string
	Text       string
	Usage      Usage
}

// Options configures NewClient.
type Options struct {
	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string
}

type sdkClient struct {
	client sdk.Client
}

// NewClient returns a Client backed by anthropic-sdk-go with SDK retries
// turned off, leaving retry decisions to the caller.
func NewClient(apiKey string, opts Options) Client {
	ro := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	return &sdkClient{client: sdk.NewClient(ro...)}
}

func (c *sdkClient) Complete(ctx context.Context, req Request) (*Response, error) {
	msg, err := c.client.Messages.New(ctx, newParams(req))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Text:       text.String(),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

func newParams(req Request) sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			p.Messages = append(p.Messages, sdk.NewAssistantMessage(block))
		} else {
			p.Messages = append(p.Messages, sdk.NewUserMessage(block))
		}
	}
	if req.System != "" {
		sys := sdk.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			sys.CacheControl = sdk.NewCacheControlEphemeralParam()
			if req.CacheTTL != "" {
				sys.CacheControl.TTL = sdk.CacheControlEphemeralTTL(req.CacheTTL)
			}
		}
		p.System = []sdk.TextBlockParam{sys}
	}
	if req.Temperature != nil {
		p.Temperature = sdk.Float(*req.Temperature)
	}
	return p
}

// StatusCode returns the HTTP status of an API error anywhere in err's chain.
func StatusCode(err error) (int, bool) {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
