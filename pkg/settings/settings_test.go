package settings

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/murmur/pkg/history"
	"github.com/go-go-golems/murmur/pkg/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	AddRelayFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func TestDefaults(t *testing.T) {
	s, err := FromViper(newViper(t))
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8000/chat", s.ChatURL())
	require.Equal(t, "http://localhost:8000/generate-title", s.TitleURL())
	require.Equal(t, "You are a helpful assistant.", s.SystemPrompt)
	require.Equal(t, store.BackendFile, s.Store.Backend)
	require.Equal(t, history.DefaultKey, s.StoreKey)
	require.Equal(t, DefaultTitleTimeout, s.TitleTimeout)
	require.False(t, s.InterruptOnSubmit)

	r, err := RelayFromViper(newViper(t))
	require.NoError(t, err)
	require.Equal(t, DefaultListenAddr, r.ListenAddr)
	require.Equal(t, DefaultModel, r.Model)
	require.Equal(t, DefaultUpstream, r.Upstream)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := FromViper(newViper(t,
		"--service-url", "https://chat.example.com/",
		"--chat-path", "api/chat",
		"--title-path", "",
		"--store-backend", "bolt",
		"--store-path", filepath.Join(dir, "db.bolt"),
		"--title-timeout", "5s",
		"--interrupt-on-submit",
	))
	require.NoError(t, err)

	require.Equal(t, "https://chat.example.com/api/chat", s.ChatURL())
	require.Empty(t, s.TitleURL())
	require.Equal(t, store.BackendBolt, s.Store.Backend)
	require.Equal(t, filepath.Join(dir, "db.bolt"), s.Store.Path)
	require.Equal(t, 5*time.Second, s.TitleTimeout)
	require.True(t, s.InterruptOnSubmit)
}

func TestDatabaseBackendsGetDefaultPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	s, err := FromViper(newViper(t, "--store-backend", "sqlite"))
	require.NoError(t, err)
	require.Equal(t, "murmur.db", filepath.Base(s.Store.Path))
}

func TestInvalidSettings(t *testing.T) {
	_, err := FromViper(newViper(t, "--store-backend", "floppy"))
	require.Error(t, err)

	_, err = FromViper(newViper(t, "--service-url", "not a url"))
	require.Error(t, err)

	_, err = FromViper(newViper(t, "--service-url", "http://localhost:8000/?token=x"))
	require.Error(t, err)
}

func TestRelayUpstreamValidation(t *testing.T) {
	r, err := RelayFromViper(newViper(t, "--openai-base-url", "https://api.example.com/v1/"))
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/v1", r.OpenAIBaseURL)

	_, err = RelayFromViper(newViper(t, "--openai-base-url", "http://localhost:11434/v1"))
	require.Error(t, err)

	r, err = RelayFromViper(newViper(t,
		"--openai-base-url", "http://localhost:11434/v1",
		"--allow-insecure-upstream",
	))
	require.NoError(t, err)
	require.True(t, r.AllowInsecureUpstream)

	r, err = RelayFromViper(newViper(t, "--upstream", "ollama", "--model", "llama3"))
	require.NoError(t, err)
	require.Equal(t, "ollama", r.Upstream)
	require.Equal(t, "llama3", r.Model)
}
