// Command ocffs mounts an ownCloud-style sync directory through FUSE,
// presenting placeholder files with their true remote size and mtime and
// exposing the user.owncloud.virtual xattr to drive materialization.
//
// Usage:
//
//	ocffs [flags] SYNC_ROOT [MOUNTPOINT]
//
// If MOUNTPOINT is omitted, SYNC_ROOT + ".ocffs" is used.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	cgofuse "github.com/winfsp/cgofuse/fuse"

	"github.com/jnweiger/ocffs/internal/config"
	"github.com/jnweiger/ocffs/internal/control"
	ocfuse "github.com/jnweiger/ocffs/internal/fuse"
	"github.com/jnweiger/ocffs/internal/locator"
	"github.com/jnweiger/ocffs/internal/metrics"
	"github.com/jnweiger/ocffs/internal/placeholder"
	"github.com/jnweiger/ocffs/pkg/api"
	fserrors "github.com/jnweiger/ocffs/pkg/errors"
	"github.com/jnweiger/ocffs/pkg/health"
	"github.com/jnweiger/ocffs/pkg/status"
	"github.com/jnweiger/ocffs/pkg/utils"
)

func main() {
	configFile := flag.String("config", "", "path to YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] SYNC_ROOT [MOUNTPOINT]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			log.Fatalf("ocffs: %v", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("ocffs: %v", err)
	}
	cfg.Mount.Root = flag.Arg(0)
	if flag.NArg() >= 2 {
		cfg.Mount.Mountpoint = flag.Arg(1)
	}
	if cfg.Mount.Mountpoint == "" {
		cfg.Mount.Mountpoint = cfg.Mount.Root + ".ocffs"
	}

	if err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFile); err != nil {
		log.Fatalf("ocffs: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("ocffs: %v", err)
	}
}

func run(cfg *config.Configuration) error {
	client, err := locator.Discover(cfg.Mount.Root)
	if err != nil {
		return fserrors.New(fserrors.ErrCodeClientNotFound, "sync client discovery failed").
			WithComponent("locator").WithCause(err)
	}
	cfg.Overlay.VirtualSuffix = client.VirtualSuffix
	if err := cfg.Validate(); err != nil {
		return fserrors.New(fserrors.ErrCodeConfigValidation, "invalid configuration").
			WithComponent("config").WithCause(err)
	}

	log.Printf("ocffs: sync client pid=%d name=%s uid=%d db=%s suffix=%s",
		client.PID, client.ExecutableName, client.UID, client.DBPath, client.VirtualSuffix)

	store, err := placeholder.Open(client.DBPath)
	if err != nil {
		return fserrors.New(fserrors.ErrCodePlaceholderDBNotFound, "placeholder database unusable").
			WithComponent("placeholder").WithCause(err)
	}
	defer store.Close()

	socketPath := client.SocketPath(cfg.Client.RunDir, cfg.Client.SocketName)
	ctrl := control.New(socketPath, cfg.Client.SocketTimeout)

	healthTracker := health.NewTracker(health.DefaultConfig())
	for _, component := range []string{"locator", "placeholder", "control", "fuse"} {
		healthTracker.RegisterComponent(component)
	}
	healthTracker.RecordSuccess("locator")
	healthTracker.RecordSuccess("placeholder")
	healthTracker.RecordSuccess("control")
	statusTracker := status.NewTracker(status.DefaultTrackerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Monitoring.Metrics.Enabled {
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Global.MetricsPort,
			Path:      "/metrics",
			Namespace: "ocffs",
		})
		if err != nil {
			return err
		}
		if err := collector.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			collector.Stop(shutdownCtx)
		}()
		collector.UpdateClientConnected(true)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Address:      fmt.Sprintf("localhost:%d", cfg.Global.HealthPort),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, statusTracker, healthTracker)
	apiServer.StartBackground()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
	}()

	fs, err := ocfuse.NewFileSystem(ocfuse.Config{
		RootDir:         cfg.Mount.Root,
		VirtualSuffix:   client.VirtualSuffix,
		ReadBlockSize:   cfg.Overlay.BlockSize,
		PlaceholderFill: []byte(cfg.Overlay.PlaceholderFill),
		DBQueryTimeout:  cfg.Overlay.DBQueryTimeout,
		ClientPID:       client.PID,
		ClientUID:       client.UID,
		ClientName:      client.ExecutableName,
		Store:           store,
		Control:         ctrl,
		Metrics:         collector,
		Health:          healthTracker,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Mount.Mountpoint, 0755); err != nil {
		return fserrors.New(fserrors.ErrCodeMountFailed, "cannot create mountpoint").
			WithComponent("fuse").WithCause(err)
	}

	host := cgofuse.NewFileSystemHost(fs)
	host.SetCapReaddirPlus(false)

	mountOp, _ := statusTracker.StartOperation(ctx, "mount", map[string]interface{}{
		"root":       cfg.Mount.Root,
		"mountpoint": cfg.Mount.Mountpoint,
	})

	go func() {
		<-ctx.Done()
		host.Unmount()
	}()

	ok := mount(host, cfg)
	if !ok {
		err := fserrors.New(fserrors.ErrCodeMountFailed, "FUSE mount failed").
			WithComponent("fuse").
			WithContext("mountpoint", cfg.Mount.Mountpoint)
		healthTracker.RecordError("fuse", err)
		statusTracker.FailOperation(mountOp.ID, err)
		return err
	}
	statusTracker.CompleteOperation(mountOp.ID)
	return nil
}

// mount runs the FUSE loop until unmount, first with allow_other so other
// local users can see the overlay, then without it when that is refused
// (user_allow_other missing from /etc/fuse.conf).
func mount(host *cgofuse.FileSystemHost, cfg *config.Configuration) bool {
	opts := []string{"-s", "-o", "fsname=" + cfg.Mount.FSName}
	if cfg.Mount.AllowOther {
		if host.Mount(cfg.Mount.Mountpoint, append(opts, "-o", "allow_other")) {
			return true
		}
		if !cfg.Mount.RetryWithoutAO {
			return false
		}
		log.Printf("ocffs: allow_other refused, mountpoint %s is only usable by the current user", cfg.Mount.Mountpoint)
	}
	return host.Mount(cfg.Mount.Mountpoint, opts)
}
