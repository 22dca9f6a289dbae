// tpmd is the software TPM 1.2 daemon: it loads configuration, restores
// persisted state, and serves the TPM command socket and the operational
// control socket until asked to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"tpmd/internal/config"
	"tpmd/internal/counter"
	"tpmd/internal/delegation"
	"tpmd/internal/engine"
	"tpmd/internal/keystore"
	"tpmd/internal/lockout"
	"tpmd/internal/logging"
	"tpmd/internal/nvstore"
	"tpmd/internal/pcrengine"
	"tpmd/internal/persist"
	"tpmd/internal/session"
	"tpmd/internal/transport"
)

// Version is set via ldflags during build.
var Version = "dev"

// daemonizeMarker distinguishes a re-exec'd detached child from the
// foreground invocation that spawned it.
const daemonizeMarker = "TPMD_DAEMONIZED"

// dynamicPCRs is the PC-client DRTM register assignment: PCRs 17-20 reset
// to all-0xFF at boot and are resettable from specific localities, unlike
// the static registers which start at zero and never reset.
var dynamicPCRs = []int{17, 18, 19, 20}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: "+config.ConfigPath()+")")
	daemonize := flag.Bool("daemonize", false, "fork a detached background process and exit")
	flag.Parse()

	if *daemonize && os.Getenv(daemonizeMarker) != "1" {
		if err := spawnDetached(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "tpmd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tpmd: %v\n", err)
		os.Exit(1)
	}
}

// spawnDetached re-execs the current binary with the same flags minus
// -daemonize, detached from the launching terminal via a platform-specific
// SysProcAttr, and returns once the child has started.
func spawnDetached(configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	args := []string{}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemonizeMarker+"=1")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached process: %w", err)
	}
	fmt.Printf("tpmd started in background, pid %d\n", cmd.Process.Pid)
	return nil
}

func run(configPath string) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare state directories: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    logging.FormatText,
		Output:    "both",
		FilePath:  cfg.LogPath,
		Component: "tpmd",
	})
	if err != nil {
		return fmt.Errorf("start logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	masterSecret, err := persist.LoadOrCreateMasterSecret(cfg.MasterSecretPath)
	if err != nil {
		return fmt.Errorf("load master secret: %w", err)
	}

	ctx := context.Background()
	nvram, err := nvstore.Open(ctx, cfg.NVStorePath)
	if err != nil {
		return fmt.Errorf("open nv store: %w", err)
	}
	defer nvram.Close()

	e := engine.New(engine.Options{
		Config:       cfg,
		Logger:       log,
		Keys:         keystore.NewStore(cfg.MaxKeySlots),
		Sessions:     session.NewManager(cfg.MaxAuthSessions + cfg.MaxTransportSessions),
		PCRs:         pcrengine.NewBank(dynamicPCRs),
		NVRAM:        nvram,
		Counters:     counter.NewBank(64, cfg.CounterRetryWindow),
		Delegations:  delegation.NewTables(16),
		Limiter:      lockout.NewLimiter(lockout.Policy{Threshold: cfg.LockoutThreshold, Window: cfg.LockoutWindow, Cooldown: cfg.LockoutCooldown}),
		MasterSecret: masterSecret,
	})

	if err := e.Restore(ctx); err != nil {
		return fmt.Errorf("restore persisted state: %w", err)
	}
	log.Info("restored persisted state", "persistent_state_path", cfg.PersistentStatePath)

	loader, err := config.NewLoader(configPath, log.Logger)
	if err != nil {
		return fmt.Errorf("start config loader: %w", err)
	}
	defer loader.Close()
	loader.OnReload(func(reloaded *config.Config) {
		e.SetLockoutThreshold(reloaded.LockoutThreshold)
		log.Info("config reloaded", "lockout_threshold", reloaded.LockoutThreshold)
	})

	cmdSrv := transport.NewCommandServer(transport.CommandServerConfig{
		Network:        cfg.TransportNetwork,
		Address:        cfg.TransportAddress,
		MaxCommandSize: cfg.MaxCommandSize,
	}, e, log)
	if err := cmdSrv.Start(); err != nil {
		return fmt.Errorf("start command socket: %w", err)
	}
	defer cmdSrv.Stop()
	log.Info("command socket listening", "network", cfg.TransportNetwork, "address", cmdSrv.Addr().String())

	shutdown := make(chan struct{})
	ctrlSrv := transport.NewControlServer(transport.ControlServerConfig{
		SocketPath: cfg.ControlSocketPath,
		Status: func() transport.StatusResponse {
			st := e.Status()
			return transport.StatusResponse{
				OwnerSet:      st.OwnerSet,
				ActiveKeys:    st.ActiveKeys,
				ActiveAuth:    st.ActiveAuth,
				LockedOut:     st.LockedOut,
				Locality:      st.Locality,
				PhysicalPres:  st.PhysicalPres,
				ProtocolMagic: transport.ControlMagic,
			}
		},
		Checkpoint: e,
		AssertPP:   e.SetPhysicalPresence,
		VerifyPeer: transport.VerifyPeerIsCurrentUser,
	}, log, func() { close(shutdown) })
	if err := ctrlSrv.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer ctrlSrv.Stop()
	log.Info("control socket listening", "path", cfg.ControlSocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	checkpointTicker := time.NewTicker(5 * time.Minute)
	defer checkpointTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig.String())
			return shutdownEngine(e, log)

		case <-shutdown:
			log.Info("shutdown requested over control socket")
			return shutdownEngine(e, log)

		case <-checkpointTicker.C:
			if err := e.Checkpoint(ctx); err != nil {
				log.Warn("periodic checkpoint failed", "error", err)
			}
		}
	}
}

func shutdownEngine(e *engine.Engine, log *logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Checkpoint(ctx); err != nil {
		log.Warn("final checkpoint failed", "error", err)
		return err
	}
	log.Info("final checkpoint complete")
	return nil
}
