package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/murmur/pkg/relay"
	"github.com/go-go-golems/murmur/pkg/settings"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat service relaying to an OpenAI compatible API or ollama",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rs, err := settings.RelayFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			completer, err := relay.NewCompleter(rs.Upstream, rs.OpenAIAPIKey, rs.OpenAIBaseURL, rs.Model)
			if err != nil {
				return err
			}
			log.Debug().
				Str("upstream", rs.Upstream).
				Str("model", rs.Model).
				Str("base_url", rs.OpenAIBaseURL).
				Msg("Configured upstream")

			return relay.NewServer(completer).Run(ctx, rs.ListenAddr)
		},
	}
	settings.AddRelayFlags(cmd.Flags())
	cobra.CheckErr(viper.BindPFlags(cmd.Flags()))
	return cmd
}
