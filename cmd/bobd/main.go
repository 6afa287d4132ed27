// Command bobd boots one cluster node: it loads cluster and node
// configuration, brings up the configured storage backend, wires the
// replication coordinator and its gRPC front door, starts the
// Prometheus metrics endpoint, and runs until signalled to stop.
//
// The cobra root command plus flags plus a cobra.OnInitialize
// logging-setup callback shape follows cuemby-warren's
// cmd/warren/main.go, collapsed from warren's many cluster/
// service/node subcommands down to bobd's single long-running
// "serve" behaviour.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jpl-au/bob/internal/backend"
	"github.com/jpl-au/bob/internal/bobgrpc"
	"github.com/jpl-au/bob/internal/cluster"
	"github.com/jpl-au/bob/internal/config"
	"github.com/jpl-au/bob/internal/diskcontroller"
	"github.com/jpl-au/bob/internal/group"
	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/logging"
	"github.com/jpl-au/bob/internal/mapper"
	"github.com/jpl-au/bob/internal/metrics"
	"github.com/jpl-au/bob/internal/nodeclient"
	"github.com/jpl-au/bob/internal/rpcserver"
	"github.com/jpl-au/bob/internal/scheduler"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bobd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bobd",
	Short: "bobd runs one node of a Bob distributed blob storage cluster",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("cluster-config", "cluster.yaml", "path to the cluster topology file")
	rootCmd.Flags().String("node-config", "node.yaml", "path to this node's runtime settings file")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "emit structured JSON logs instead of console output")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.Flags().GetString("log-level")
		asJSON, _ := rootCmd.Flags().GetBool("log-json")
		logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: asJSON})
	})
}

func run(cmd *cobra.Command, args []string) error {
	clusterPath, _ := cmd.Flags().GetString("cluster-config")
	nodePath, _ := cmd.Flags().GetString("node-config")

	clusterCfg, err := config.LoadCluster(clusterPath)
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}
	nodeCfg, err := config.LoadNode(nodePath)
	if err != nil {
		return fmt.Errorf("loading node config: %w", err)
	}

	log := logging.WithNode(nodeCfg.LocalNodeName)
	log.Info().Str("backend", string(nodeCfg.BackendType)).Msg("starting node")

	m := buildMapper(clusterCfg, nodeCfg.LocalNodeName)

	bck, err := buildBackend(nodeCfg, clusterCfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := bck.Run(ctx); err != nil {
		return fmt.Errorf("starting backend: %w", err)
	}

	pool := nodeclient.NewPool()
	for _, n := range clusterCfg.Nodes {
		if n.Name == nodeCfg.LocalNodeName {
			continue
		}
		pool.Add(n.Name, nodeclient.Options{
			Address:          n.Address,
			OperationTimeout: nodeCfg.OperationTimeout.Duration,
			CheckInterval:    nodeCfg.CheckInterval.Duration,
			Credentials:      credentialsFor(nodeCfg),
		})
	}

	coord := cluster.New(nodeCfg.LocalNodeName, nodeCfg.Quorum, m, pool, bck, log)

	mtr := metrics.New()
	sched := buildScheduler(bck, mtr, nodeCfg, log)
	sched.Start()

	grpcServer := grpc.NewServer()
	bobgrpc.RegisterBobServer(grpcServer, rpcserver.New(coord, nodeCfg.LocalNodeName))

	grpcAddr := nodeCfg.GRPCAddress
	if grpcAddr == "" {
		grpcAddr = localAddress(clusterCfg, nodeCfg.LocalNodeName)
	}
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", grpcAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", grpcAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if nodeCfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mtr.Handler())
		metricsServer = &http.Server{Addr: nodeCfg.MetricsAddress, Handler: mux}
		go func() {
			log.Info().Str("address", nodeCfg.MetricsAddress).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	sched.Stop()
	coord.Close()
	pool.CloseAll()
	if err := bck.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("backend shutdown failed")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

func credentialsFor(nodeCfg *config.NodeRuntimeConfig) *nodeclient.Credentials {
	if nodeCfg.BasicAuthUsername == "" {
		return nil
	}
	return &nodeclient.Credentials{Username: nodeCfg.BasicAuthUsername, Password: nodeCfg.BasicAuthPassword}
}

func localAddress(clusterCfg *config.ClusterConfig, nodeName string) string {
	for _, n := range clusterCfg.Nodes {
		if n.Name == nodeName {
			return n.Address
		}
	}
	return ":0"
}

// buildMapper turns the cluster topology's vdisk/replica list into a
// mapper.Mapper, deriving the stable node order support_nodes needs
// from the order nodes are listed in cluster.yaml.
func buildMapper(clusterCfg *config.ClusterConfig, localNodeName string) *mapper.Mapper {
	nodeOrder := make([]string, len(clusterCfg.Nodes))
	for i, n := range clusterCfg.Nodes {
		nodeOrder[i] = n.Name
	}

	vdisks := make([]mapper.VDisk, len(clusterCfg.VDisks))
	for i, v := range clusterCfg.VDisks {
		replicas := make([]mapper.Replica, len(v.Replicas))
		for j, r := range v.Replicas {
			replicas[j] = mapper.Replica{Node: r.Node, Disk: r.Disk, Path: diskPath(clusterCfg, r.Node, r.Disk)}
		}
		vdisks[i] = mapper.VDisk{ID: v.ID, Replicas: replicas}
	}
	return mapper.New(vdisks, localNodeName, nodeOrder)
}

func diskPath(clusterCfg *config.ClusterConfig, nodeName, diskName string) string {
	for _, n := range clusterCfg.Nodes {
		if n.Name != nodeName {
			continue
		}
		for _, d := range n.Disks {
			if d.Name == diskName {
				return d.Path
			}
		}
	}
	return ""
}

// buildBackend constructs the storage capability variant named by
// node.yaml's backend_type (spec.md §6, internal/backend).
func buildBackend(nodeCfg *config.NodeRuntimeConfig, clusterCfg *config.ClusterConfig) (backend.Backend, error) {
	switch nodeCfg.BackendType {
	case config.BackendInMemory:
		return backend.NewInMemory(), nil
	case config.BackendStub:
		return backend.NewStub(), nil
	case config.BackendPearl:
		return buildPearlBackend(nodeCfg, clusterCfg)
	default:
		return nil, fmt.Errorf("unsupported backend_type %q", nodeCfg.BackendType)
	}
}

// buildPearlBackend constructs one diskcontroller.Controller per
// physical disk this node owns, plus a dedicated alien controller, and
// wraps them in backend.Pearl.
func buildPearlBackend(nodeCfg *config.NodeRuntimeConfig, clusterCfg *config.ClusterConfig) (backend.Backend, error) {
	var localNode *config.NodeConfig
	for i := range clusterCfg.Nodes {
		if clusterCfg.Nodes[i].Name == nodeCfg.LocalNodeName {
			localNode = &clusterCfg.Nodes[i]
		}
	}
	if localNode == nil {
		return nil, fmt.Errorf("local node %q not found in cluster config", nodeCfg.LocalNodeName)
	}

	holderOpts := holder.Options{
		KeySize:       nodeCfg.KeySize,
		MaxBlobSize:   nodeCfg.Pearl.MaxBlobSize,
		MaxDataInBlob: nodeCfg.Pearl.MaxDataInBlob,
	}

	vdToDisk := make(map[uint32]string)
	for _, v := range clusterCfg.VDisks {
		for _, r := range v.Replicas {
			if r.Node == nodeCfg.LocalNodeName {
				vdToDisk[v.ID] = r.Disk
			}
		}
	}

	controllers := make(map[string]*diskcontroller.Controller)
	for _, d := range localNode.Disks {
		controllers[d.Name] = diskcontroller.New(diskcontroller.Options{
			DiskName:          d.Name,
			BaseDir:           filepath.Join(d.Path, nodeCfg.Pearl.Settings.RootDirName),
			DumpConcurrency:   nodeCfg.DiskAccessParDegree,
			AccessConcurrency: nodeCfg.DiskAccessParDegree,
			GroupOptions: group.Options{
				TimestampPeriod: uint64(nodeCfg.Pearl.Settings.TimestampPeriod.Duration.Seconds()),
				StartTimestamp:  group.StartTimestampConfig{Round: true},
				HolderOptions:   holderOpts,
				FailRetryCount:  nodeCfg.Pearl.FailRetryCount,
				CreatePearlWait: nodeCfg.Pearl.Settings.CreatePearlWaitDelay.Duration,
			},
		}, nil)
	}

	alienDiskName := nodeCfg.Pearl.AlienDisk
	if alienDiskName == "" && len(localNode.Disks) > 0 {
		alienDiskName = localNode.Disks[0].Name
	}
	var alienController *diskcontroller.Controller
	for _, d := range localNode.Disks {
		if d.Name != alienDiskName {
			continue
		}
		alienController = diskcontroller.New(diskcontroller.Options{
			DiskName:          d.Name,
			BaseDir:           filepath.Join(d.Path, nodeCfg.Pearl.Settings.AlienRootDirName),
			DumpConcurrency:   nodeCfg.DiskAccessParDegree,
			AccessConcurrency: nodeCfg.DiskAccessParDegree,
			GroupOptions: group.Options{
				TimestampPeriod: uint64(nodeCfg.Pearl.Settings.TimestampPeriod.Duration.Seconds()),
				StartTimestamp:  group.StartTimestampConfig{Round: false},
				HolderOptions:   holderOpts,
				FailRetryCount:  nodeCfg.Pearl.FailRetryCount,
				CreatePearlWait: nodeCfg.Pearl.Settings.CreatePearlWaitDelay.Duration,
			},
		}, nil)
	}

	return backend.NewPearl(backend.PearlOptions{
		Controllers:     controllers,
		AlienController: alienController,
		VDiskToDisk:     vdToDisk,
		AllowDuplicates: nodeCfg.Pearl.AllowDuplicates,
	}), nil
}

// buildScheduler wires the periodic background jobs named in node.yaml
// (spec.md §6 count_interval/cleanup_interval; check_interval's ping
// loop lives inside nodeclient.Pool and starts when each client is
// added).
func buildScheduler(bck backend.Backend, mtr *metrics.Metrics, nodeCfg *config.NodeRuntimeConfig, log zerolog.Logger) *scheduler.Scheduler {
	jobs := []scheduler.Job{
		{
			Name:     "count",
			Interval: nodeCfg.CountInterval.Duration,
			Run: func() {
				mtr.BlobsCount.Set(float64(bck.BlobsCount()))
				mtr.IndexMemoryBytes.Set(float64(bck.IndexMemory()))
			},
		},
	}
	if pearl, ok := bck.(*backend.Pearl); ok {
		indexMemoryBudget := uint64(nodeCfg.Pearl.BloomFilterMaxBufBitsCount) / 8
		jobs = append(jobs, scheduler.Job{
			Name:     "cleanup",
			Interval: nodeCfg.CleanupInterval.Duration,
			Run: func() {
				closed := pearl.Maintain(nodeCfg.OpenBlobsSoftLimit, nodeCfg.OpenBlobsHardLimit, nodeCfg.Pearl.MaxDataInBlob/10)
				if closed > 0 {
					log.Debug().Int("closed", closed).Msg("sealed idle active blobs")
				}
				if offloaded := pearl.OffloadOverBudget(indexMemoryBudget); offloaded > 0 {
					log.Debug().Int("offloaded", offloaded).Uint64("budget_bytes", indexMemoryBudget).Msg("offloaded index caches over budget")
				}
			},
		})
	}
	return scheduler.New(jobs, log)
}
