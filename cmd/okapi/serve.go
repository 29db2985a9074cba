package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/islam56naser/okapi-1/pkg/cluster"
	"github.com/islam56naser/okapi-1/pkg/config"
	"github.com/islam56naser/okapi-1/pkg/events"
	"github.com/islam56naser/okapi-1/pkg/lifecycle"
	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/metrics"
	"github.com/islam56naser/okapi-1/pkg/moduleid"
	"github.com/islam56naser/okapi-1/pkg/proxy"
	"github.com/islam56naser/okapi-1/pkg/registry"
	"github.com/islam56naser/okapi-1/pkg/replicated"
	"github.com/islam56naser/okapi-1/pkg/storage"
	"github.com/islam56naser/okapi-1/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway lifecycle manager",
	Long: `Start this instance: open the tenant store, seed the module
registry, join or bootstrap the cluster when configured, reconcile
the internal gateway module for every tenant and arm timers.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.Register()

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}
	store, err := storage.NewBoltStore(filepath.Join(cfg.Node.DataDir, "tenants.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	modules := registry.NewInMemory()
	endpoints := proxy.NewStaticEndpoints(nil)
	for _, mc := range cfg.Modules {
		md, err := loadDescriptor(mc)
		if err != nil {
			return err
		}
		if err := modules.Add(md); err != nil {
			return fmt.Errorf("failed to register module %s: %v", md.ID, err)
		}
		endpoints.Register(md.ID, mc.URL)
	}

	var backend replicated.Backend
	var leader lifecycle.Leader
	var node *cluster.Node
	if cfg.Cluster.Enabled {
		node, err = cluster.NewNode(&cluster.Config{
			NodeID:    cfg.Node.ID,
			BindAddr:  cfg.Cluster.Bind,
			APIAddr:   cfg.Cluster.API,
			DataDir:   filepath.Join(cfg.Node.DataDir, "raft"),
			Bootstrap: cfg.Cluster.Bootstrap,
			Peers:     cfg.Cluster.Peers,
		})
		if err != nil {
			return err
		}
		defer node.Shutdown()
		go func() {
			if err := node.ServeForward(); err != nil {
				log.Errorf("cluster endpoint failed", err)
			}
		}()
		if cfg.Cluster.Join != "" {
			if err := cluster.Join(cfg.Cluster.Join, cfg.Node.ID, cfg.Cluster.Bind); err != nil {
				return err
			}
		}
		backend, leader = node, node
	} else {
		backend, leader = replicated.NewLocalBackend(), lifecycle.AlwaysLeader{}
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	prx := proxy.NewHTTPProxy(endpoints)
	mgr := lifecycle.NewManager(store, modules, prx, broker, leader, backend)

	ctx := context.Background()
	if err := mgr.Init(ctx); err != nil {
		return err
	}

	internal := internalModule()
	if err := modules.Add(internal); err != nil {
		return err
	}
	if err := mgr.UpgradeOkapiModule(ctx, internal); err != nil {
		return err
	}

	if err := mgr.StartTimers(ctx); err != nil {
		return err
	}
	defer mgr.StopTimers()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics endpoint failed", err)
		}
	}()

	log.WithComponent("serve").Info().
		Str("node_id", cfg.Node.ID).
		Bool("cluster", cfg.Cluster.Enabled).
		Msg("gateway running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

// loadDescriptor reads a module's descriptor file, or synthesizes a
// bare one when the config only names an endpoint.
func loadDescriptor(mc config.ModuleConfig) (*types.ModuleDescriptor, error) {
	if mc.Descriptor == "" {
		return &types.ModuleDescriptor{ID: mc.ID}, nil
	}
	data, err := os.ReadFile(mc.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor for %s: %v", mc.ID, err)
	}
	var md types.ModuleDescriptor
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor for %s: %v", mc.ID, err)
	}
	if md.ID == "" {
		md.ID = mc.ID
	}
	return &md, nil
}

// internalModule is the gateway's own module descriptor, enabled for
// every tenant so its version history tracks gateway upgrades.
func internalModule() *types.ModuleDescriptor {
	id := "okapi-" + Version
	if _, err := moduleid.Parse(id); err != nil {
		id = "okapi-0.0.0"
	}
	return &types.ModuleDescriptor{
		ID:   id,
		Name: "Okapi",
		Provides: []*types.InterfaceDescriptor{
			{ID: "okapi", Version: "1.0"},
		},
	}
}
