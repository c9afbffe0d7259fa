// Package settings maps viper configuration onto the client and relay settings.
package settings

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/go-go-golems/murmur/pkg/history"
	"github.com/go-go-golems/murmur/pkg/security"
	"github.com/go-go-golems/murmur/pkg/store"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultServiceURL   = "http://localhost:8000"
	DefaultChatPath     = "/chat"
	DefaultTitlePath    = "/generate-title"
	DefaultTitleTimeout = 30 * time.Second
	DefaultListenAddr   = ":8000"
	DefaultModel        = "gpt-4o-mini"
	DefaultUpstream     = "openai"
)

type Settings struct {
	ServiceURL        string        `yaml:"service-url"`
	ChatPath          string        `yaml:"chat-path"`
	TitlePath         string        `yaml:"title-path"`
	SystemPrompt      string        `yaml:"system-prompt"`
	Store             store.Config  `yaml:"-"`
	StoreKey          string        `yaml:"store-key"`
	TitleTimeout      time.Duration `yaml:"title-timeout"`
	InterruptOnSubmit bool          `yaml:"interrupt-on-submit"`
	MetricsAddr       string        `yaml:"metrics-addr"`
}

type RelaySettings struct {
	ListenAddr    string `yaml:"listen-addr"`
	Upstream      string `yaml:"upstream"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai-base-url"`
	Model         string `yaml:"model"`

	// AllowInsecureUpstream permits an http or local OpenAIBaseURL.
	AllowInsecureUpstream bool `yaml:"allow-insecure-upstream"`
}

// AddFlags registers the client flags on fs. Defaults live on the flags so
// that viper.BindPFlags picks them up.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("service-url", DefaultServiceURL, "Base URL of the chat service")
	fs.String("chat-path", DefaultChatPath, "Path of the streaming chat endpoint")
	fs.String("title-path", DefaultTitlePath, "Path of the title endpoint (empty: always truncate locally)")
	fs.String("system-prompt", conversation.DefaultSystemPrompt, "System preamble of new conversations")
	fs.String("store-backend", string(store.BackendFile), "Conversation store (file, sqlite, bolt, redis, memory)")
	fs.String("store-path", "", "Directory (file) or database file (sqlite, bolt); defaults under ~/.murmur")
	fs.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis store")
	fs.String("store-key", history.DefaultKey, "Key the conversation catalogue is stored under")
	fs.Duration("title-timeout", DefaultTitleTimeout, "Timeout of a title request")
	fs.Bool("interrupt-on-submit", false, "Stop a running answer when a new prompt is submitted")
	fs.String("metrics-addr", "", "Serve prometheus metrics on this address")
}

func AddRelayFlags(fs *pflag.FlagSet) {
	fs.String("listen-addr", DefaultListenAddr, "Address the relay listens on")
	fs.String("upstream", DefaultUpstream, "Upstream provider (openai, ollama); ollama reads OLLAMA_HOST")
	fs.String("openai-api-key", "", "API key of the upstream OpenAI compatible service")
	fs.String("openai-base-url", "", "Base URL of the upstream OpenAI compatible service")
	fs.String("model", DefaultModel, "Upstream model name")
	fs.Bool("allow-insecure-upstream", false, "Allow an http or local-network upstream base URL")
}

func FromViper(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		ServiceURL:        v.GetString("service-url"),
		ChatPath:          v.GetString("chat-path"),
		TitlePath:         v.GetString("title-path"),
		SystemPrompt:      v.GetString("system-prompt"),
		StoreKey:          v.GetString("store-key"),
		TitleTimeout:      v.GetDuration("title-timeout"),
		InterruptOnSubmit: v.GetBool("interrupt-on-submit"),
		MetricsAddr:       v.GetString("metrics-addr"),
		Store: store.Config{
			Backend:  store.Backend(v.GetString("store-backend")),
			Path:     v.GetString("store-path"),
			RedisURL: v.GetString("redis-url"),
		},
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = conversation.DefaultSystemPrompt
	}
	if s.StoreKey == "" {
		s.StoreKey = history.DefaultKey
	}
	if s.TitleTimeout <= 0 {
		s.TitleTimeout = DefaultTitleTimeout
	}
	if s.Store.Backend == "" {
		s.Store.Backend = store.BackendFile
	}

	serviceURL, err := security.BaseURL(s.ServiceURL, security.ServicePolicy)
	if err != nil {
		return nil, errors.Wrap(err, "invalid service-url")
	}
	s.ServiceURL = serviceURL

	switch s.Store.Backend {
	case store.BackendMemory, store.BackendFile, store.BackendRedis:
	case store.BackendSQLite, store.BackendBolt:
		if s.Store.Path == "" {
			p, err := defaultDatabasePath(s.Store.Backend)
			if err != nil {
				return nil, err
			}
			s.Store.Path = p
		}
	default:
		return nil, errors.Errorf("unknown store-backend %q", s.Store.Backend)
	}

	return s, nil
}

func RelayFromViper(v *viper.Viper) (*RelaySettings, error) {
	ret := &RelaySettings{
		ListenAddr:            v.GetString("listen-addr"),
		Upstream:              v.GetString("upstream"),
		OpenAIAPIKey:          v.GetString("openai-api-key"),
		OpenAIBaseURL:         v.GetString("openai-base-url"),
		Model:                 v.GetString("model"),
		AllowInsecureUpstream: v.GetBool("allow-insecure-upstream"),
	}
	if ret.ListenAddr == "" {
		ret.ListenAddr = DefaultListenAddr
	}
	if ret.Model == "" {
		ret.Model = DefaultModel
	}
	if ret.Upstream == "" {
		ret.Upstream = DefaultUpstream
	}

	if ret.OpenAIBaseURL != "" {
		policy := security.UpstreamPolicy
		if ret.AllowInsecureUpstream {
			policy = security.ServicePolicy
		}
		baseURL, err := security.BaseURL(ret.OpenAIBaseURL, policy)
		if err != nil {
			return nil, errors.Wrap(err, "invalid openai-base-url")
		}
		ret.OpenAIBaseURL = baseURL
	}
	return ret, nil
}

func (s *Settings) ChatURL() string {
	return s.ServiceURL + ensureLeadingSlash(s.ChatPath)
}

// TitleURL is empty when title generation is disabled.
func (s *Settings) TitleURL() string {
	if s.TitlePath == "" {
		return ""
	}
	return s.ServiceURL + ensureLeadingSlash(s.TitlePath)
}

func ensureLeadingSlash(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func defaultDatabasePath(backend store.Backend) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	name := "murmur.db"
	if backend == store.BackendBolt {
		name = "murmur.bolt"
	}
	return filepath.Join(homeDir, ".murmur", name), nil
}
