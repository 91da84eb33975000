package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/chatrelay/chatrelay"
)

var rootCmd = &cobra.Command{
	Use:   "chat-server",
	Short: "Relay server for an end-to-end encrypted group chat",
	RunE:  runServer,
}

var (
	listenHTTP string
	dataDir    string
	debug      bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&listenHTTP, "listen", ":8080", "HTTP listen address (websocket accept + status)")
	flags.StringVar(&dataDir, "data-dir", "./server", "directory for the user/chat databases and message logs")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := chatrelay.NewServer(dataDir)
	if err != nil {
		return err
	}
	go srv.Run(ctx)

	httpSrv := &http.Server{Addr: listenHTTP, Handler: srv.Handler()}
	go func() {
		log.Info().Str("addr", listenHTTP).Msg("[server] http listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[server] http error")
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}
