package relay

import (
	"context"
	"strings"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OllamaCompleter generates with a local ollama server. The server address is
// taken from OLLAMA_HOST.
type OllamaCompleter struct {
	client *api.Client
	model  string
}

func NewOllamaCompleter(model string) (*OllamaCompleter, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "could not create ollama client")
	}
	return &OllamaCompleter{
		client: client,
		model:  model,
	}, nil
}

func toOllamaMessages(turns []conversation.Turn) []api.Message {
	ret := make([]api.Message, 0, len(turns))
	for _, t := range turns {
		ret = append(ret, api.Message{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return ret
}

func (o *OllamaCompleter) Stream(ctx context.Context, turns []conversation.Turn, onChunk func(string) error) error {
	stream := true
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: toOllamaMessages(turns),
		Stream:   &stream,
	}

	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		if err := onChunk(resp.Message.Content); err != nil {
			log.Debug().Err(err).Msg("Stopping ollama generation")
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "ollama chat failed")
	}
	return nil
}

func (o *OllamaCompleter) Complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: toOllamaMessages(turns),
		Stream:   &stream,
	}

	sb := strings.Builder{}
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "ollama chat failed")
	}
	return sb.String(), nil
}

var _ Completer = (*OllamaCompleter)(nil)

const (
	UpstreamOpenAI = "openai"
	UpstreamOllama = "ollama"
)

// NewCompleter builds the completer for upstream. baseURL and apiKey only
// apply to openai; ollama reads OLLAMA_HOST.
func NewCompleter(upstream string, apiKey string, baseURL string, model string) (Completer, error) {
	switch upstream {
	case UpstreamOpenAI, "":
		return NewOpenAICompleter(apiKey, baseURL, model)
	case UpstreamOllama:
		if baseURL != "" {
			return nil, errors.New("openai-base-url does not apply to ollama, set OLLAMA_HOST instead")
		}
		return NewOllamaCompleter(model)
	default:
		return nil, errors.Errorf("unknown upstream %q", upstream)
	}
}
