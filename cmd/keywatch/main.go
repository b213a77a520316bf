package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/b0gdan00/keywatch/internal/chat/bridge"
	"github.com/b0gdan00/keywatch/internal/config"
	"github.com/b0gdan00/keywatch/internal/logging"
	"github.com/b0gdan00/keywatch/internal/manager"
	"github.com/b0gdan00/keywatch/internal/proc"
	"github.com/b0gdan00/keywatch/internal/registry"
	"github.com/b0gdan00/keywatch/internal/worker"
)

const Version = "1.0.0"

func main() {
	args := os.Args[1:]

	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("keywatch v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "worker":
			runWorker(args[1:])
			return
		case "manager":
			runManager(args[1:])
			return
		default:
			fmt.Printf("Unknown command: %s\n\n", args[0])
			printHelp()
			os.Exit(1)
		}
	}

	runManager(nil)
}

// runManager starts the supervising manager: session registry, worker
// supervision and the control API.
func runManager(args []string) {
	fs := flag.NewFlagSet("manager", flag.ExitOnError)
	baseDir := fs.String("base-dir", "", "Base directory for sessions and manager data (default: cwd)")
	fs.Usage = func() {
		fmt.Println("Usage: keywatch [manager] [options]")
		fmt.Println()
		fmt.Println("Run the session manager and its control API.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := config.Load(*baseDir)

	logCfg := cfg.Logging
	if logCfg.Dir == "" {
		logCfg.Dir = filepath.Join(cfg.Manager.BaseDir, "logs")
	}
	logging.Init(logging.Config{
		LogDir:   logCfg.Dir,
		Level:    logCfg.Level,
		Format:   logCfg.Format,
		Debug:    logCfg.Debug,
		Compress: true,
	})
	defer logging.Shutdown()

	reg, err := registry.New(filepath.Join(cfg.Manager.BaseDir, "manager-data", "sessions.json"))
	if err != nil {
		fmt.Printf("Error: could not initialize session registry: %v\n", err)
		os.Exit(1)
	}

	sup := manager.NewSupervisor(cfg.Manager, reg, proc.ExecSpawner{})
	srv := manager.NewServer(sup)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Manager.Host, cfg.Manager.Port)
	fmt.Printf("keywatch manager v%s listening on %s\n", Version, addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, addr)
	})

	err = g.Wait()
	sup.StopAll()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// runWorker starts a single session worker. It is normally spawned by the
// manager with the session contract in the environment, but can be run by
// hand for debugging with SESSION_ID set.
func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: keywatch worker")
		fmt.Println()
		fmt.Println("Run one session worker (spawned by the manager).")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  SESSION_ID    Session identifier (required)")
		fmt.Println("  SESSION_DIR   Session data directory")
		fmt.Println("  WORKER_HOST   Control API bind host (default: 127.0.0.1)")
		fmt.Println("  WORKER_PORT   Control API port, 0 for ephemeral")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := config.Load("")
	env, err := config.WorkerEnvFromProcess()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	logCfg := cfg.Logging
	if logCfg.Dir == "" {
		logCfg.Dir = filepath.Join(env.SessionDir, "logs")
	}
	logging.Init(logging.Config{
		LogDir:   logCfg.Dir,
		Level:    logCfg.Level,
		Format:   logCfg.Format,
		Debug:    logCfg.Debug,
		Compress: true,
	})
	defer logging.Shutdown()

	client := bridge.New(bridgeURLFor(cfg.Worker.BridgeURL, env.SessionID), env.SessionID)

	w, err := worker.New(cfg.Worker, env, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	srv := worker.NewServer(w)
	port, ln, err := srv.Listen(env.Host, env.Port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			fmt.Fprintf(os.Stderr, "worker: control API failed: %v\n", err)
			w.Shutdown(1)
		}
	}()
	go func() {
		<-ctx.Done()
		w.Shutdown(0)
	}()

	// The parent waits for this line before marking the session running.
	w.EmitHandshake(port)
	w.WatchSettings()
	w.Run()
}

// bridgeURLFor appends the session id as the final path element of the
// configured bridge endpoint.
func bridgeURLFor(base, sessionID string) string {
	return strings.TrimRight(base, "/") + "/" + sessionID
}

func printHelp() {
	fmt.Printf("keywatch v%s\n", Version)
	fmt.Println("Keyword-triggered chat message forwarder")
	fmt.Println()
	fmt.Println("Usage: keywatch [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none), manager  Run the session manager and control API")
	fmt.Println("  worker           Run one session worker (spawned by the manager)")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  HOST, PORT             Manager API bind address")
	fmt.Println("  MAX_SESSIONS           Session count ceiling")
	fmt.Println("  BRIDGE_URL             Automation bridge websocket endpoint")
	fmt.Println("  KEYWATCH_BASE_DIR      Base directory for all data")
	fmt.Println("  KEYWATCH_DEBUG         Set to 1 for debug logging")
}
