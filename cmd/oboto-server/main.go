package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	xterm "golang.org/x/term"

	"github.com/sschepis/oboto-server/internal/agent"
	"github.com/sschepis/oboto-server/internal/auxserver"
	"github.com/sschepis/oboto-server/internal/bridge"
	"github.com/sschepis/oboto-server/internal/config"
	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/pidfile"
	"github.com/sschepis/oboto-server/internal/plugins"
	"github.com/sschepis/oboto-server/internal/pprof"
	"github.com/sschepis/oboto-server/internal/provider"
	"github.com/sschepis/oboto-server/internal/schedule"
	"github.com/sschepis/oboto-server/internal/secrets"
	"github.com/sschepis/oboto-server/internal/securemem"
	"github.com/sschepis/oboto-server/internal/store"
	"github.com/sschepis/oboto-server/internal/term"
	"github.com/sschepis/oboto-server/internal/web"
	"github.com/sschepis/oboto-server/internal/workspace"
)

const maxPasswordAttempts = 3

type options struct {
	configPath string
	port       int
	workspace  string
	debug      bool
	pprofAddr  string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("oboto-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Path to the config file (defaults to the per-user location)")
	fs.IntVar(&opts.port, "port", 0, "Listen port override")
	fs.StringVar(&opts.workspace, "workspace", "", "Workspace directory override")
	fs.BoolVar(&opts.debug, "debug", false, "Force debug logging")
	fs.StringVar(&opts.pprofAddr, "pprof", "", "Serve profiling endpoints on this address (e.g. localhost:6060)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

func run() (err error) {
	opts, parseErr := parseArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	var loggerInitialized bool
	defer func() {
		if !loggerInitialized {
			return
		}
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	configPath := opts.configPath
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Environment variables override config file values for logging.
	if envLevel := strings.TrimSpace(os.Getenv("OBOTO_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("OBOTO_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if opts.port > 0 {
		cfg.Port = opts.port
	}
	if opts.workspace != "" {
		cfg.WorkspaceDir = opts.workspace
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}

	if err := os.MkdirAll(config.GetStateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	loggerInitialized = true

	logger.Info("oboto-server starting")
	logger.Debug("configuration: listen=%s workspace=%s log_level=%s", cfg.ListenAddr(), cfg.WorkspaceDir, cfg.LogLevel)

	// First run: persist the defaults so users have a file to edit.
	if opts.configPath == "" {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			if saveErr := cfg.Save(configPath); saveErr != nil {
				logger.Warn("failed to write default config: %v", saveErr)
			} else {
				logger.Info("wrote default config to %s", configPath)
			}
		}
	}

	defer securemem.Shutdown()

	apiKey, err := resolveAPIKey(cfg)
	if err != nil {
		return fmt.Errorf("failed to unlock the API key: %w", err)
	}
	defer apiKey.Destroy()

	pf := pidfile.New(filepath.Join(config.GetStateDir(), "oboto.pid"))
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() {
		if removeErr := pf.Remove(); removeErr != nil {
			logger.Warn("failed to remove pidfile: %v", removeErr)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := store.Open(config.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("failed to close store: %v", closeErr)
		}
	}()

	bus := events.NewBus()

	ws, err := workspace.New(cfg.WorkspaceDir, bus)
	if err != nil {
		return fmt.Errorf("failed to open workspace %s: %w", cfg.WorkspaceDir, err)
	}
	defer func() {
		if closeErr := ws.Close(); closeErr != nil {
			logger.Warn("failed to close workspace watcher: %v", closeErr)
		}
	}()

	var client provider.Client
	var loop *agent.Loop
	if apiKey.IsEmpty() {
		logger.Warn("no Anthropic API key configured; chat and the autonomous loop are disabled")
	} else {
		anthropic, err := provider.NewAnthropic(apiKey, cfg.Model, cfg.MaxTokens)
		if err != nil {
			return fmt.Errorf("failed to build provider client: %w", err)
		}
		client = anthropic
		loop = agent.New(ctx, client, st, bus, agent.Config{
			MaxIterations: cfg.LoopMaxIters,
			HistoryLimit:  cfg.HistoryLimit,
		})
	}

	br := bridge.New(bus, time.Duration(cfg.ExtensionTimeout)*time.Millisecond)

	registry := plugins.NewRegistry()
	if loadErr := registry.Load(cfg.PluginDir); loadErr != nil {
		logger.Warn("plugins: %v", loadErr)
	}

	srv := web.NewServer(ctx, cfg, web.Deps{
		Store:      st,
		Workspace:  ws,
		Provider:   client,
		Estimator:  provider.NewEstimator(cfg.Model),
		Classifier: provider.Classifier{},
		Loop:       loop,
		Bridge:     br,
		Bus:        bus,
		Plugins:    registry,
		Terminals:  term.NewManager(cfg.TempDir),
	})

	caster := events.NewBroadcaster(bus, srv.Hub(), provider.Classifier{}, workspaceLister{ws})
	defer caster.Destroy()
	if loop != nil {
		caster.SetLoop(loop)
	}

	aux := auxserver.NewServer(srv.Status, caster, cancel)
	srv.SetAux(aux)
	if err := aux.Start(cfg.AuxPort); err != nil {
		return fmt.Errorf("failed to start the auxiliary socket: %w", err)
	}
	defer aux.Stop()

	runner := schedule.NewRunner(st, bus, 0)
	runner.Start(ctx)
	defer runner.Stop()

	if opts.pprofAddr != "" {
		prof := pprof.New()
		if err := prof.Start(opts.pprofAddr); err != nil {
			return fmt.Errorf("failed to start pprof: %w", err)
		}
		defer func() {
			if stopErr := prof.Stop(); stopErr != nil {
				logger.Warn("pprof shutdown: %v", stopErr)
			}
		}()
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start the web server: %w", err)
	}
	defer func() {
		if stopErr := srv.Stop(); stopErr != nil {
			logger.Warn("web server shutdown: %v", stopErr)
		}
	}()

	fmt.Printf("oboto-server listening on http://%s (aux port %d)\n", srv.Addr(), aux.Port())
	logger.Info("serving on %s, aux port %d, workspace %s", srv.Addr(), aux.Port(), ws.Root())

	<-ctx.Done()
	logger.Info("oboto-server stopping")
	return nil
}

// workspaceLister adapts the workspace to the broadcaster's directory
// listing interface.
type workspaceLister struct {
	ws *workspace.Workspace
}

func (l workspaceLister) List(rel string) (any, error) {
	return l.ws.List(rel)
}

// resolveAPIKey produces the Anthropic key from the config file or the
// environment, decrypting an encrypted value with the secrets password.
// The plaintext lives in locked memory from here on. A missing key is
// not an error; the server runs with chat disabled.
func resolveAPIKey(cfg *config.Config) (*securemem.String, error) {
	raw := strings.TrimSpace(cfg.AnthropicAPIKey)
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if raw == "" || !secrets.IsEncrypted(raw) {
		return securemem.NewString(raw), nil
	}

	if password := strings.TrimSpace(os.Getenv("OBOTO_SECRETS_PASSWORD")); password != "" {
		plain, err := secrets.Decrypt(raw, password)
		if err != nil {
			return nil, err
		}
		return securemem.NewString(plain), nil
	}

	for attempt := 0; attempt < maxPasswordAttempts; attempt++ {
		password, err := promptForPassword("Enter encryption password: ")
		if err != nil {
			return nil, err
		}
		plain, err := secrets.Decrypt(raw, password)
		if err != nil {
			if errors.Is(err, secrets.ErrInvalidPassword) {
				fmt.Fprintln(os.Stderr, "Invalid password, try again.")
				continue
			}
			return nil, err
		}
		return securemem.NewString(plain), nil
	}
	return nil, errors.New("too many invalid password attempts")
}

func promptForPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if xterm.IsTerminal(fd) {
		bytes, err := xterm.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
