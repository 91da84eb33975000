package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/chatrelay/sdk"
)

var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Console client for the encrypted chat relay",
	RunE:  runClient,
}

var (
	serverURL    string
	keyStorePath string
	debug        bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "server", "ws://127.0.0.1:8080/ws", "relay websocket URL")
	flags.StringVar(&keyStorePath, "keystore", defaultKeyStorePath(), "encrypted key store file")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
}

func defaultKeyStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatrelay.keys"
	}
	return filepath.Join(home, ".chatrelay", "keys")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := sdk.Connect(ctx, serverURL, keyStorePath)
	if err != nil {
		return err
	}
	defer client.Close()
	go client.RunPump(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
		client.Close()
	}()

	runView(ctx, client)
	return nil
}
