package root

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is reported in the initialize handshake. It is set at build time with
// -ldflags "-X github.com/amidabuddha/unichat-mcp-server/cmd/unichat-mcp/root.Version=...".
var Version = "0.1.0"

const serverName = "unichat-mcp-server"

type options struct {
	model       string
	apiKey      string
	apiKeyParam string
	apiBaseURL  string
	rateLimit   int
	rateBurst   int
	logLevel    string
	logFile     string

	// sse only
	port          int
	baseURL       string
	singleSession bool
}

// Execute runs the root command and exits with status 1 on failure. The error is printed here
// only, commands return it without logging.
func Execute() {
	// Load environment from .env if present.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "unichat-mcp",
		Short: "MCP server that forwards chat requests to a language model",
		Long: "unichat-mcp serves the unichat tool and four code prompts over the Model Context Protocol. " +
			"Requests are completed by the model set with --model (UNICHAT_MODEL). Without a subcommand " +
			"the server talks over stdin/stdout.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStdio(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.model, "model", os.Getenv("UNICHAT_MODEL"), "Model to complete requests with (UNICHAT_MODEL)")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("UNICHAT_API_KEY"), "API key of the model vendor (UNICHAT_API_KEY)")
	flags.StringVar(&opts.apiKeyParam, "api-key-param", os.Getenv("UNICHAT_API_KEY_PARAM"),
		"AWS SSM parameter holding the API key, used when --api-key is empty (UNICHAT_API_KEY_PARAM)")
	flags.StringVar(&opts.apiBaseURL, "api-base-url", os.Getenv("UNICHAT_API_BASE_URL"),
		"Override the vendor base URL, e.g. for a proxy (UNICHAT_API_BASE_URL)")
	flags.IntVar(&opts.rateLimit, "rate-limit", envInt("UNICHAT_RATE_LIMIT", 0),
		"Maximum completions per second, 0 disables the limit (UNICHAT_RATE_LIMIT)")
	flags.IntVar(&opts.rateBurst, "rate-burst", envInt("UNICHAT_RATE_BURST", 0),
		"Burst of completions allowed above the rate limit (UNICHAT_RATE_BURST)")
	flags.StringVar(&opts.logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level: trace, debug, info, warn, error (LOG_LEVEL)")
	flags.StringVar(&opts.logFile, "log-file", os.Getenv("LOG_FILE"), "Also write logs to this file (LOG_FILE)")

	cmd.AddCommand(newStdioCmd(opts), newSSECmd(opts), newModelsCmd())
	return cmd
}

func newStdioCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve MCP over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStdio(cmd, opts)
		},
	}
}

func newSSECmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sse",
		Short: "Serve MCP over HTTP with Server-Sent Events",
		Long: "Serves GET /sse to open a session and POST /message to deliver requests. " +
			"By default the process exits when the first session closes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSSE(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", envInt("PORT", 3001), "Port to listen on (PORT)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", os.Getenv("UNICHAT_BASE_URL"),
		"Public URL prefix of the message endpoint announced to clients (UNICHAT_BASE_URL)")
	cmd.Flags().BoolVar(&opts.singleSession, "single-session", true, "Exit after the first session closes")
	return cmd
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
