package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/infrastructure/resilience"
)

const defaultModel = "gpt-4o-mini"

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client is a JSON-mode completion backend for OpenAI-compatible hosted APIs.
// Retries are left to the resilience executor, so the SDK's own retry loop is
// disabled.
type Client struct {
	api      sdk.Client
	model    string
	executor *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		api:      sdk.NewClient(opts...),
		model:    model,
		executor: executor,
	}, nil
}

func (c *Client) CompleteJSON(ctx context.Context, operation, prompt string) (string, error) {
	params := sdk.ChatCompletionNewParams{
		Model: c.model,
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage("You answer with a single JSON object and nothing else."),
			sdk.UserMessage(prompt),
		},
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &sdk.ResponseFormatJSONObjectParam{},
		},
	}

	var text string
	call := func(ctx context.Context) error {
		resp, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("openai %s: no choices in response", operation)
		}
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai."+operation, call, classifyError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", mapError("openai "+operation, err)
	}
	return text, nil
}

func isQuota(err error) bool {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return apiErr.Code == "insufficient_quota" || strings.Contains(strings.ToLower(apiErr.Error()), "quota")
}

func classifyError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	if isQuota(err) {
		return resilience.ErrorClassification{}
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		retryable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.Transient
	}
	return resilience.Permanent
}

func mapError(operation string, err error) error {
	switch {
	case isQuota(err):
		return domain.WrapError(domain.ErrQuotaExceeded, operation, err)
	case classifyError(err).Retryable:
		return domain.WrapError(domain.ErrTemporary, operation, err)
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
