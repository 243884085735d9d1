package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/forum-chat/forum"
)

var rootCmd = &cobra.Command{
	Use:               "forum-client",
	Short:             "Terminal client for the forum chat",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

var (
	flagAPIURL    string
	flagWSURL     string
	flagDataPath  string
	flagThread    int64
	flagLogLevel  string
	flagEphemeral bool

	flagUsername string
	flagEmail    string
	flagPassword string
)

var cfg = forum.DefaultConfig()

func init() {
	// .env is optional; values there feed the flag defaults below.
	_ = godotenv.Load()
	cfg.ApplyEnv()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAPIURL, "api-url", cfg.APIURL, "authentication API base URL (env FORUM_API_URL)")
	flags.StringVar(&flagWSURL, "ws-url", cfg.ChannelURL, "live chat channel URL (env FORUM_WS_URL)")
	flags.StringVar(&flagDataPath, "data-path", cfg.DataPath, "directory holding the saved login (env FORUM_DATA_PATH)")
	flags.Int64Var(&flagThread, "thread", int64(cfg.Thread), "thread to show (env FORUM_THREAD)")
	flags.StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.BoolVar(&flagEphemeral, "ephemeral", false, "keep the login in memory only (chat logs in first)")

	loginCmd.Flags().StringVar(&flagUsername, "username", "", "account name")
	loginCmd.Flags().StringVar(&flagPassword, "password", os.Getenv("FORUM_PASSWORD"), "password (env FORUM_PASSWORD; prompted when empty)")
	registerCmd.Flags().StringVar(&flagUsername, "username", "", "account name")
	registerCmd.Flags().StringVar(&flagEmail, "email", "", "email address")
	registerCmd.Flags().StringVar(&flagPassword, "password", os.Getenv("FORUM_PASSWORD"), "password (env FORUM_PASSWORD; prompted when empty)")

	chatCmd.Flags().StringVar(&flagUsername, "username", "", "account name (with --ephemeral)")
	chatCmd.Flags().StringVar(&flagPassword, "password", os.Getenv("FORUM_PASSWORD"), "password (with --ephemeral)")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg.APIURL = strings.TrimRight(flagAPIURL, "/")
	cfg.ChannelURL = flagWSURL
	cfg.DataPath = flagDataPath
	cfg.Thread = forum.ThreadID(flagThread)
	return cfg.Validate()
}

// openCredentials returns the credential store and a function releasing it.
func openCredentials() (forum.CredentialStore, func(), error) {
	if flagEphemeral {
		return forum.NewMemoryCredentialStore(), func() {}, nil
	}
	st, err := forum.OpenCredentialStore(cfg.DataPath)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("[client] credential store close error")
		}
	}, nil
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func fillCredentials(needEmail bool) error {
	in := bufio.NewReader(os.Stdin)
	var err error
	if flagUsername == "" {
		if flagUsername, err = prompt(in, "Username: "); err != nil {
			return err
		}
	}
	if needEmail && flagEmail == "" {
		if flagEmail, err = prompt(in, "Email: "); err != nil {
			return err
		}
	}
	if flagPassword == "" {
		if flagPassword, err = prompt(in, "Password: "); err != nil {
			return err
		}
	}
	if flagUsername == "" || flagPassword == "" {
		return errors.New("username and password are required")
	}
	return nil
}

// userFacing reduces an error to the plain-language text shown to users.
func userFacing(err error) string {
	var le *forum.LoginError
	if errors.As(err, &le) {
		return le.UserMessage()
	}
	var ae *forum.AuthError
	if errors.As(err, &ae) {
		return ae.UserMessage()
	}
	return "Something went wrong while talking to the server."
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and save the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := fillCredentials(false); err != nil {
			return err
		}
		api := forum.NewAuthAPI(cfg.APIURL, cfg.HTTPTimeout)
		cred, err := api.Login(cmd.Context(), flagUsername, flagPassword)
		if err != nil {
			log.Debug().Err(err).Msg("[client] login")
			fmt.Fprintln(os.Stderr, userFacing(err))
			return err
		}
		store, release, err := openCredentials()
		if err != nil {
			return err
		}
		defer release()
		if err := store.Set(cred); err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
		fmt.Printf("Logged in as %s\n", flagUsername)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := fillCredentials(true); err != nil {
			return err
		}
		api := forum.NewAuthAPI(cfg.APIURL, cfg.HTTPTimeout)
		if err := api.Register(cmd.Context(), flagUsername, flagEmail, flagPassword); err != nil {
			log.Debug().Err(err).Msg("[client] register")
			fmt.Fprintln(os.Stderr, userFacing(err))
			return err
		}
		fmt.Printf("Registered %s. Run `forum-client login` next.\n", flagUsername)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release, err := openCredentials()
		if err != nil {
			return err
		}
		defer release()
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear credential: %w", err)
		}
		fmt.Println("Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Resolve the saved token to a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release, err := openCredentials()
		if err != nil {
			return err
		}
		defer release()
		cred, ok, err := store.Get()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Not logged in")
			return nil
		}
		user, err := forum.NewAuthAPI(cfg.APIURL, cfg.HTTPTimeout).Resolve(cmd.Context(), cred.Token)
		if err != nil {
			if errors.Is(err, forum.ErrInvalidToken) {
				_ = store.Clear()
			}
			fmt.Println(userFacing(err))
			return nil
		}
		status := "active"
		if !user.IsActive {
			status = "locked"
		}
		fmt.Printf("%s <%s> (%s)\n", user.Username, user.Email, status)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join the chat thread",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, release, err := openCredentials()
	if err != nil {
		return err
	}
	defer release()
	if flagEphemeral {
		if err := fillCredentials(false); err != nil {
			return err
		}
		cred, err := forum.NewAuthAPI(cfg.APIURL, cfg.HTTPTimeout).Login(ctx, flagUsername, flagPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, userFacing(err))
			return err
		}
		if err := store.Set(cred); err != nil {
			return err
		}
	}

	out := newTerminal(os.Stdout)
	session := forum.NewSessionFromConfig(cfg, store, log.Logger, forum.WithObserver(out.Render))
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("[client] channel unavailable")
	}
	if session.State() != forum.StateActive {
		return nil
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-out.Left():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/logout":
				return session.Logout()
			}
			session.Submit(line)
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}
