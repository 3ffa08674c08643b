// Visiongate - PLC handshake gateway for a vision classifier
//
// Serves the detection API, gates each frame on the PLC trigger word and
// writes the classification back to the data block.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"visiongate/config"
	"visiongate/logging"
	"visiongate/plcman"
	"visiongate/s7"
	"visiongate/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Set the operator account (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for the operator account (saves to config)")
	noConnect   = flag.Bool("no-connect", false, "Do not connect to the PLC at startup")
	triggerAddr = flag.String("trigger", "", "Trigger word address, e.g. DB1.DBW0 (overrides config)")
	resultAddr  = flag.String("result", "", "Result word address, e.g. DB1.DBW2 (overrides config)")
	logFile     = flag.String("log", "", "Path to operator log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")
)

func main() {
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("visiongate %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Environment overrides (in memory only)
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "Environment error: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if err := applyAddressFlags(&cfg.PLC, *triggerAddr, *resultAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Operator account (persisted)
	if *adminUser != "" && *adminPass != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*adminPass), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}
		cfg.Web.AdminUser = *adminUser
		cfg.Web.AdminHash = string(hash)
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Operator account '%s' saved\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

// applyAddressFlags moves the trigger and result words to the given S7
// addresses. Both words live in the same data block.
func applyAddressFlags(pc *config.PLCConfig, trigger, result string) error {
	if trigger != "" {
		a, err := s7.ParseWordAddress(trigger)
		if err != nil {
			return fmt.Errorf("-trigger: %w", err)
		}
		pc.DB = a.DB
		pc.TriggerOffset = a.Offset
	}
	if result != "" {
		a, err := s7.ParseWordAddress(result)
		if err != nil {
			return fmt.Errorf("-result: %w", err)
		}
		if trigger != "" && a.DB != pc.DB {
			return fmt.Errorf("-result: %s is not in DB%d", a, pc.DB)
		}
		pc.DB = a.DB
		pc.ResultOffset = a.Offset
	}
	return nil
}

func run(cfg *config.Config) {
	// Set up file logging if specified
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}
	opLog := operatorLog(fileLogger)

	// Set up debug logging if specified
	var debugLoggerFile *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
			if filter == "" {
				opLog("Debug logging enabled (all subsystems) - writing to debug.log")
			} else {
				opLog("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}

	a := newApp(cfg, opLog)
	if err := a.catalog.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: model directory: %v\n", err)
	}
	opLog("[MODEL] %d model(s) in %s, default %s", len(a.catalog.Available()), a.catalog.Dir(), a.catalog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background status poll
	go a.poller.Run(ctx, cfg.PLC.PollInterval)

	// Result and status publishers
	fanout := a.setupPublishers()
	go func() {
		if n := fanout.StartAll(); n > 0 {
			opLog("[PUB] %d publisher(s) started", n)
		}
	}()

	if cfg.PLC.AutoConnect && !*noConnect {
		go func() {
			p := plcman.ParamsFromConfig(cfg.PLC)
			timeout := p.Timeout
			if timeout <= 0 {
				timeout = plcman.DefaultTimeout
			}
			cctx, ccancel := context.WithTimeout(ctx, timeout+time.Second)
			defer ccancel()
			if err := a.plcMan.Connect(cctx, p); err != nil {
				opLog("[PLC] auto-connect to %s failed: %v", p.Address(), err)
			}
		}()
	}

	var ws *web.Server
	if cfg.Web.Enabled {
		ws = web.NewServer(&cfg.Web, a)
		if err := ws.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			ws = nil
		} else {
			fmt.Printf("Web server at %s\n", ws.Address())
			fmt.Printf("  Detection: POST %s/detect\n", ws.Address())
			fmt.Printf("  PLC:       POST %s/plc/start, GET %s/plc/status\n", ws.Address(), ws.Address())
		}
	}

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		cancel()
		if ws != nil {
			ws.Stop()
		}
		fanout.Stop()
		a.plcMan.Disconnect()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}

	fmt.Println("Stopped")
}
