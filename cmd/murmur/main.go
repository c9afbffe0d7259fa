package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/murmur/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "murmur holds streamed conversations with a chat service and keeps their history",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(viper.GetString("config")); err != nil {
			return err
		}
		return setupLogging(loggingFromViper())
	},
	SilenceUsage: true,
}

type logConfig struct {
	Level      string
	Verbose    bool
	Format     string
	File       string
	WithCaller bool
}

func loggingFromViper() logConfig {
	return logConfig{
		Level:      viper.GetString("log-level"),
		Verbose:    viper.GetBool("verbose"),
		Format:     viper.GetString("log-format"),
		File:       viper.GetString("log-file"),
		WithCaller: viper.GetBool("with-caller"),
	}
}

// loadConfig reads config.yaml from path, or from the first of ./,
// ~/.murmur and the user config dir that has one. A missing file is fine.
func loadConfig(path string) error {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.murmur")
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "murmur"))
		}
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not read config")
	}
	return nil
}

// setupLogging points the global logger at stderr, and additionally at a
// rotated file when one is configured. The file gets the same format as stderr,
// without colors.
func setupLogging(cfg logConfig) error {
	level := zerolog.WarnLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return errors.Wrapf(err, "invalid log-level %q", cfg.Level)
		}
		level = parsed
	}
	if cfg.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var stderr io.Writer = os.Stderr
	if cfg.Format == "text" {
		stderr = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	w := stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return errors.Wrap(err, "could not create log directory")
		}
		var file io.Writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		if cfg.Format == "text" {
			file = zerolog.ConsoleWriter{Out: file, NoColor: true}
		}
		w = io.MultiWriter(stderr, file)
	}

	logger := zerolog.New(w).With().Timestamp()
	if cfg.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.String("config", "", "Path to config file (default ~/.murmur/config.yaml)")
	fs.String("log-level", "warn", "Log level (trace, debug, info, warn, error, fatal)")
	fs.String("log-format", "text", "Log format (json, text)")
	fs.String("log-file", "", "Also write logs to this file, rotated")
	fs.Bool("with-caller", false, "Log caller")
	fs.Bool("verbose", false, "Shorthand for --log-level debug")
	settings.AddFlags(fs)

	viper.SetEnvPrefix("murmur")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(fs))

	rootCmd.AddCommand(
		newChatCommand(),
		newAskCommand(),
		newListCommand(),
		newShowCommand(),
		newNewCommand(),
		newRenameCommand(),
		newDeleteCommand(),
		newExportCommand(),
		newServeCommand(),
	)
}
