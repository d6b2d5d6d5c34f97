// ABOUTME: Entry point for the command-center session orchestration server
// ABOUTME: Sub-commands: serve, init, token, health, agents, sessions

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/command-center/internal/auth"
	"github.com/2389/command-center/internal/config"
	"github.com/2389/command-center/internal/gateway"
	"github.com/2389/command-center/internal/protocol"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
                                           _                       _
  ___ ___  _ __ ___  _ __ ___   __ _ _ __   __| |   ___ ___ _ __ | |_ ___ _ __
 / __/ _ \| '_ ' _ \| '_ ' _ \ / _' | '_ \ / _' |  / __/ _ \ '_ \| __/ _ \ '__|
| (_| (_) | | | | | | | | | | | (_| | | | | (_| | | (_|  __/ | | | ||  __/ |
 \___\___/|_| |_| |_|_| |_| |_|\__,_|_| |_|\__,_|  \___\___|_| |_|\__\___|_|
`

func usage() {
	fmt.Println("Usage: command-center <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the server")
	fmt.Println("  init       Create a new config file interactively")
	fmt.Println("  token      Issue an operator token")
	fmt.Println("  health     Check server health")
	fmt.Println("  agents     List the agent roster")
	fmt.Println("  sessions   List sessions")
	fmt.Println()
	fmt.Println("Run 'command-center <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "sessions":
		err = runSessions(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config at path, or at config.DefaultPath when path
// is empty. A missing default file yields config.Default.
func loadConfig(path string) (*config.Config, string, error) {
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func runServe(ctx context.Context, args []string) error {
	var configPath, projectDir, httpAddr, backend string
	fset := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fset.StringVarP(&configPath, "config", "c", "", "config file (default $COMMAND_CENTER_CONFIG or ~/.config/command-center/config.yaml)")
	fset.StringVarP(&projectDir, "project", "p", "", "marketing project directory (overrides project.dir)")
	fset.StringVar(&httpAddr, "addr", "", "HTTP listen address (overrides server.http_addr)")
	fset.StringVar(&backend, "backend", "", "runtime backend: claude, messages or scripted")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cfg, loadedFrom, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if projectDir != "" {
		cfg.Project.Dir = projectDir
		if cfg.Runtime.WorkingDir == "" || cfg.Runtime.WorkingDir == "." {
			cfg.Runtime.WorkingDir = projectDir
		}
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}
	if backend != "" {
		cfg.Runtime.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if loadedFrom == "" {
		loadedFrom = "(defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", loadedFrom)
	green.Print("    ▶ ")
	fmt.Printf("Project:   %s\n", cfg.Project.Dir)
	green.Print("    ▶ ")
	fmt.Printf("Runtime:   %s\n", cfg.Runtime.Backend)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: set auth.jwt_secret before exposing this server")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting command-center",
		"config", loadedFrom,
		"project", cfg.Project.Dir,
		"backend", cfg.Runtime.Backend,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	configPath string
	url        string
	token      string
}

func (c *clientFlags) register(fset *pflag.FlagSet) {
	fset.StringVarP(&c.configPath, "config", "c", "", "config file used to find the server address")
	fset.StringVar(&c.url, "url", "", "server base URL (default http://<server.http_addr>)")
	fset.StringVar(&c.token, "token", os.Getenv("COMMAND_CENTER_TOKEN"), "operator token (default $COMMAND_CENTER_TOKEN)")
}

func (c *clientFlags) baseURL() (string, error) {
	if c.url != "" {
		return strings.TrimSuffix(c.url, "/"), nil
	}
	cfg, _, err := loadConfig(c.configPath)
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

// get fetches path and decodes the JSON body into out.
func (c *clientFlags) get(ctx context.Context, path string, out any) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	var client clientFlags
	fset := pflag.NewFlagSet("health", pflag.ContinueOnError)
	client.register(fset)
	if err := fset.Parse(args); err != nil {
		return err
	}

	var health struct {
		Status        string  `json:"status"`
		Clients       int     `json:"clients"`
		Sessions      int     `json:"sessions"`
		UptimeSeconds float64 `json:"uptimeSeconds"`
	}
	if err := client.get(ctx, "/health", &health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	color.New(color.FgGreen).Print("healthy")
	fmt.Printf("  clients=%d sessions=%d uptime=%s\n",
		health.Clients, health.Sessions, (time.Duration(health.UptimeSeconds) * time.Second).String())
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	var client clientFlags
	fset := pflag.NewFlagSet("agents", pflag.ContinueOnError)
	client.register(fset)
	if err := fset.Parse(args); err != nil {
		return err
	}

	var resp gateway.AgentsResponse
	if err := client.get(ctx, "/api/agents", &resp); err != nil {
		return err
	}
	printAgents(os.Stdout, resp.Agents)
	return nil
}

func printAgents(w io.Writer, agents []protocol.AgentInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tTAG\tDESCRIPTION")
	for _, a := range agents {
		name := a.DisplayName
		if a.IsOrchestrator {
			name = color.New(color.Bold).Sprint(name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Hotkey, name, a.ShortTag, a.Description)
	}
	_ = tw.Flush()
}

func runSessions(ctx context.Context, args []string) error {
	var client clientFlags
	fset := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	client.register(fset)
	if err := fset.Parse(args); err != nil {
		return err
	}

	var resp gateway.SessionsResponse
	if err := client.get(ctx, "/api/sessions", &resp); err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	printSessions(os.Stdout, resp.Sessions)
	return nil
}

func statusColor(s protocol.Status) *color.Color {
	switch s {
	case protocol.StatusRunning, protocol.StatusStarting:
		return color.New(color.FgCyan)
	case protocol.StatusWaitingPermission:
		return color.New(color.FgYellow)
	case protocol.StatusError:
		return color.New(color.FgRed)
	case protocol.StatusIdle:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printSessions(w io.Writer, sessions []protocol.SessionInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tSTATUS\tTURNS\tCOST\tSTARTED")
	for _, s := range sessions {
		started := time.UnixMilli(s.StartedAt).Format("15:04:05")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t$%.4f\t%s\n",
			s.ID, s.AgentDisplayName, statusColor(s.Status).Sprint(s.Status), s.Turns, s.Cost, started)
	}
	_ = tw.Flush()
}

func runToken(args []string) error {
	var configPath, subject string
	var ttl time.Duration
	fset := pflag.NewFlagSet("token", pflag.ContinueOnError)
	fset.StringVarP(&configPath, "config", "c", "", "config file holding auth.jwt_secret")
	fset.StringVarP(&subject, "subject", "s", "", "operator name recorded in the token (required)")
	fset.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	if err := fset.Parse(args); err != nil {
		return err
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return errors.New("--subject is required")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; tokens would not be checked")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// initAnswers are the values written by init.
type initAnswers struct {
	ProjectDir string
	HTTPAddr   string
	Backend    string
	DBPath     string
	JWTSecret  string
	LogLevel   string
	LogFormat  string
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# command-center configuration\n")
	cfg.WriteString("# Generated by command-center init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("\n")

	cfg.WriteString("project:\n")
	cfg.WriteString(fmt.Sprintf("  dir: %q\n", a.ProjectDir))
	cfg.WriteString("\n")

	cfg.WriteString("runtime:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", a.Backend))
	if a.Backend == config.BackendMessages {
		cfg.WriteString("  api_key: \"${ANTHROPIC_API_KEY}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  progress_interval: \"1s\"\n")
	cfg.WriteString("  shutdown_timeout: \"5s\"\n")
	cfg.WriteString("\n")

	if a.DBPath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
		cfg.WriteString("\n")
	}

	if a.JWTSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", a.JWTSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit(args []string) error {
	fset := pflag.NewFlagSet("init", pflag.ContinueOnError)
	if err := fset.Parse(args); err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("command-center configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cwd, _ := os.Getwd()
	var a initAnswers

	fmt.Println("\n--- Project ---")
	a.ProjectDir = prompt(reader, "Marketing project directory", cwd)
	a.Backend = prompt(reader, "Runtime backend (claude/messages/scripted)", config.BackendClaudeCode)

	fmt.Println("\n--- Server ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "127.0.0.1:3001")
	if yes(prompt(reader, "Require operator tokens?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Println("\n--- Event ledger ---")
	a.DBPath = prompt(reader, "SQLite ledger path (empty disables)", filepath.Join(a.ProjectDir, ".command-center", "ledger.db"))

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	content := renderConfig(a)
	if _, err := config.Parse([]byte(content)); err != nil {
		color.New(color.FgYellow).Printf("warning: %v\n", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  command-center serve --config %s\n", outputFile)
	if a.JWTSecret != "" {
		fmt.Println("\nTo issue a token for the dashboard:")
		fmt.Printf("  command-center token --config %s --subject <your-name>\n", outputFile)
	}
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
