// Command chatctl is a terminal client for the realtime relay. It runs a
// full client session (push channel, change-feed fallback, presence and
// typing) or performs one-shot operations against the REST API and the
// presence mirror.
package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/sysutil"
)

var version = "dev"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	server   string
	basePath string
	user     string
	logLevel string
	pretty   bool

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Terminal client for the realtime chat relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.init()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", os.Getenv("CHAT_SERVER"), "relay base URL (default http://localhost:8080)")
	pf.StringVar(&g.basePath, "api", os.Getenv("API_BASE_PATH"), "REST base path (default /api/v1)")
	pf.StringVarP(&g.user, "user", "u", os.Getenv("CHAT_USER"), "user id to act as")
	pf.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	pf.BoolVar(&g.pretty, "pretty", sysutil.IsTruthy(os.Getenv("LOG_PRETTY")), "human readable logs")

	root.AddCommand(newSessionCmd(g), newSendCmd(g), newPresenceCmd(g))
	return root
}

// init loads configuration and logging once flags are parsed.
func (g *globals) init() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.server = strings.TrimRight(sysutil.FirstNonEmpty(g.server, "http://localhost:8080"), "/")
	g.basePath = sysutil.FirstNonEmpty(g.basePath, cfg.APIBasePath)
	g.log = sysutil.SetupLogger(os.Stderr, sysutil.FirstNonEmpty(g.logLevel, "warn"), g.pretty)
	return nil
}

func (g *globals) requireUser() error {
	if strings.TrimSpace(g.user) == "" {
		return fmt.Errorf("--user (or CHAT_USER) is required")
	}
	return nil
}

// apiURL is the REST root, e.g. http://localhost:8080/api/v1.
func (g *globals) apiURL() string {
	if g.basePath == "/" {
		return g.server
	}
	return g.server + g.basePath
}

// wsURL maps the server URL onto the push-channel endpoint.
func wsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server %q has no host", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
