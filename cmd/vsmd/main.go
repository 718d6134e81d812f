// vsmd is the control-plane daemon: it supervises tool-server
// subprocesses, routes capability requests to them over JSON-RPC, and
// runs the Variety Monitor loop that closes capability gaps by
// discovering and acquiring new tool-servers automatically.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/acquisition"
	"github.com/viable-systems/vsm-mcp/internal/api"
	"github.com/viable-systems/vsm-mcp/internal/capability"
	"github.com/viable-systems/vsm-mcp/internal/config"
	"github.com/viable-systems/vsm-mcp/internal/discovery"
	"github.com/viable-systems/vsm-mcp/internal/eventbus"
	"github.com/viable-systems/vsm-mcp/internal/logsink"
	"github.com/viable-systems/vsm-mcp/internal/mapping"
	"github.com/viable-systems/vsm-mcp/internal/monitor"
	"github.com/viable-systems/vsm-mcp/internal/packaging"
	"github.com/viable-systems/vsm-mcp/internal/pkgstore"
	"github.com/viable-systems/vsm-mcp/internal/schedule"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
	"github.com/viable-systems/vsm-mcp/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	log.Printf("vsmd %s starting (http_port=%d, data_dir=%s)", version.Version(), cfg.HTTPPort, cfg.DataDir)

	store, err := pkgstore.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open package store: %v", err)
	}
	defer store.Close()

	secretStore, err := pkgstore.NewSecretStore(cfg.MasterKeyPath)
	if err != nil {
		log.Fatalf("init secret store: %v", err)
	}

	installer := packaging.New(cfg.PackageCacheDir, cfg.RegistryEndpoint, store, secretStore, cfg.RegistryAuthSecretPath)

	bus := eventbus.New()
	logs := logsink.NewStore(cfg.DataDir+"/logs", cfg.StderrBufferBytes)

	sup := supervisor.New(installer, bus, logs, supervisor.Config{
		InstallTimeout:      cfg.InstallTimeout,
		HandshakeTimeout:    cfg.SpawnHandshakeTimeout,
		RestartMaxAttempts:  cfg.RestartMaxAttempts,
		RestartWindow:       cfg.RestartWindow,
		MaxChildMemoryBytes: cfg.MaxChildMemoryBytes,
		MaxChildCPUPercent:  cfg.MaxChildCPUPercent,
	})

	manifests, err := mapping.LoadAll(cfg.CapabilityMapDir)
	if err != nil {
		log.Printf("load capability maps: %v", err)
	}
	mapFn := mapping.FromManifests(manifests)

	router := capability.New(sup, bus, mapFn, cfg.RouterRefresh, cfg.CallDefaultTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	var registries []discovery.Registry
	if cfg.RegistryEndpoint != "" {
		registries = append(registries, discovery.NewHTTPRegistry("default", cfg.RegistryEndpoint))
	}
	disc := discovery.New(registries, 0) // 0 uses Discovery's own default per-registry deadline

	coordinator := acquisition.New(disc, sup, func(capName string) bool {
		_, _, err := router.Resolve(capName)
		return err == nil
	}, cfg.AcquisitionWait)

	mon := monitor.New(router, coordinator, monitor.Config{
		TickInterval: cfg.DaemonInterval,
		Concurrency:  cfg.AcquisitionConcurrency,
	})
	if cfg.DaemonEnabled {
		mon.Enable(ctx)
	}

	// discovery_reindex_cron re-warms Discovery's registry results for
	// every currently-required capability, so a gap the monitor finds
	// right after a tick doesn't also pay the full registry round-trip
	// cold; there is no persistent candidate cache to rebuild, so this
	// is a touch-and-log pass rather than an index rewrite.
	if cfg.DiscoveryReindexCron != "" {
		if expr, err := schedule.Parse(cfg.DiscoveryReindexCron); err != nil {
			log.Printf("parse discovery_reindex_cron %q: %v", cfg.DiscoveryReindexCron, err)
		} else {
			runner := schedule.NewRunner(expr, func(reindexCtx context.Context) {
				required := mon.Snapshot().Required
				for _, capName := range required {
					candidates, err := disc.Search(reindexCtx, capName, nil)
					if err != nil {
						log.Printf("discovery: re-index %s: %v", capName, err)
						continue
					}
					log.Printf("discovery: re-index %s: %d candidates", capName, len(candidates))
				}
			})
			go runner.Run(ctx)
		}
	}

	server := api.NewServer(sup, router, mon, logs, disc, cfg.CallDefaultTimeout)
	addr := ":" + strconv.Itoa(cfg.HTTPPort)
	if err := server.Start(addr); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	log.Printf("vsmd ready (pid %d, listening on %s)", os.Getpid(), addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	mon.Disable()

	for _, rec := range sup.List() {
		if err := sup.Stop(rec.ID, supervisor.StopGraceful); err != nil {
			log.Printf("stop server %s: %v", rec.ID, err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	log.Println("vsmd stopped")
}
