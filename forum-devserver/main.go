package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/forum-chat/forumserver"
)

var rootCmd = &cobra.Command{
	Use:   "forum-devserver",
	Short: "Reference forum chat backend (local HTTP + optional portal relay)",
	RunE:  runServer,
}

var lockCmd = &cobra.Command{
	Use:   "lock <username>",
	Short: "Deactivate an account in the data path",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(args[0], false) },
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <username>",
	Short: "Reactivate an account in the data path",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(args[0], true) },
}

var (
	flagServerURLs []string
	flagPort       int
	flagName       string
	flagDataPath   string
	flagCredKey    string
	flagSecret     string
	flagTokenTTL   time.Duration
)

func init() {
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", 8000, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", "forum-chat", "backend display name on the relay")
	flags.StringVar(&flagDataPath, "data-path", os.Getenv("FORUM_SERVER_DATA"), "optional directory to persist accounts and chat history via PebbleDB")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the relay listener (base64 encoded)")
	flags.StringVar(&flagSecret, "secret", os.Getenv("SECRET_KEY"), "token signing secret (env SECRET_KEY)")
	flags.DurationVar(&flagTokenTTL, "token-ttl", 30*time.Minute, "access token lifetime")

	rootCmd.AddCommand(lockCmd, unlockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute devserver command")
	}
}

func newServer() (*forumserver.Server, error) {
	secret := flagSecret
	if secret == "" {
		log.Warn().Msg("[devserver] no --secret given; using an insecure development secret")
		secret = "dev-secret-change-me"
	}
	return forumserver.New(forumserver.Options{
		Secret:   []byte(secret),
		TokenTTL: flagTokenTTL,
		DataPath: flagDataPath,
	})
}

func setActive(username string, active bool) error {
	if flagDataPath == "" {
		return fmt.Errorf("--data-path is required to change accounts")
	}
	srv, err := newServer()
	if err != nil {
		return err
	}
	defer srv.Shutdown()
	if err := srv.SetActive(username, active); err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	log.Info().Str("user", username).Bool("active", active).Msg("[devserver] account updated")
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer()
	if err != nil {
		return err
	}
	handler := srv.Handler()

	// Shared credential across all relay listeners
	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}
	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, raw := range flagServerURLs {
		for _, p := range strings.Split(raw, ",") {
			u := strings.TrimSpace(p)
			if u == "" {
				continue
			}
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("new client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
			if err != nil {
				return fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
		}
	}
	if len(listeners) == 0 && flagPort < 0 {
		return fmt.Errorf("nothing to serve: no relay via --server-url and local port disabled")
	}

	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[devserver] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[devserver] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[devserver] local http stopped")
			}
		}()
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("[devserver] http server shutdown error")
		}
	}
	if err := srv.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("[devserver] store close error")
	}
	log.Info().Msg("[devserver] shutdown complete")
	return nil
}
