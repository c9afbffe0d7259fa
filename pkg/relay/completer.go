package relay

import (
	"context"
	"io"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// Completer is the upstream text generator behind the relay.
type Completer interface {
	// Stream calls onChunk for every piece of generated text. Returning an
	// error from onChunk stops the generation.
	Stream(ctx context.Context, turns []conversation.Turn, onChunk func(string) error) error
	Complete(ctx context.Context, turns []conversation.Turn) (string, error)
}

type OpenAICompleter struct {
	client *go_openai.Client
	model  string
}

func NewOpenAICompleter(apiKey string, baseURL string, model string) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, errors.New("no API key for the upstream service")
	}
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAICompleter{
		client: go_openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

func toOpenAIMessages(turns []conversation.Turn) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		ret = append(ret, go_openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return ret
}

func (o *OpenAICompleter) Stream(ctx context.Context, turns []conversation.Turn, onChunk func(string) error) error {
	req := go_openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(turns),
		Stream:   true,
	}
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return errors.Wrap(err, "could not open upstream stream")
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(response.Choices) == 0 {
			continue
		}
		content := response.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := onChunk(content); err != nil {
			log.Debug().Err(err).Msg("Stopping upstream generation")
			return err
		}
	}
}

func (o *OpenAICompleter) Complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, go_openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(turns),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("upstream returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Completer = (*OpenAICompleter)(nil)
