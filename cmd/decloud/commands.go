package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"decloud/internal/addrutil"
	"decloud/internal/api"
	"decloud/internal/config"
	"decloud/internal/model"
	"decloud/internal/nat"
	"decloud/internal/peer"
	"decloud/internal/store"
	"decloud/internal/superpeer"
)

const cliTimeout = 30 * time.Second

func initCmd() *cobra.Command {
	var (
		role     string
		name     string
		upstream string
		dataDir  string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists: %s", configPath)
			}
			var cfg config.Config
			switch role {
			case "superpeer":
				cfg.Superpeer = &config.SuperpeerConfig{DataDir: dataDir}
			case "peer":
				if upstream == "" {
					return fmt.Errorf("--upstream is required for role peer")
				}
				cfg.Peer = &config.PeerConfig{Name: name, Superpeer: upstream, DataDir: dataDir}
			default:
				return fmt.Errorf("unknown role %q (superpeer|peer)", role)
			}
			config.ApplyDefaults(&cfg)
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "wrote %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "peer", "superpeer|peer")
	cmd.Flags().StringVar(&name, "name", "", "peer name")
	cmd.Flags().StringVar(&upstream, "upstream", "", "superpeer URL for a peer")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "state directory")
	return cmd
}

func superpeerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "superpeer", Short: "Superpeer commands"}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the superpeer registry and tunnel relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Superpeer == nil {
				return fmt.Errorf("config has no superpeer section")
			}
			log := newLogger(cfg)
			defer log.Sync()

			st, err := store.Open(cfg.Superpeer.DataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signalContext()
			defer stop()
			return superpeer.NewServer(*cfg.Superpeer, st, log).ListenAndServe(ctx)
		},
	})
	return cmd
}

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "peer", Short: "Peer agent commands"}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the peer agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Peer == nil {
				return fmt.Errorf("config has no peer section")
			}
			log := newLogger(cfg)
			defer log.Sync()

			st, err := store.Open(cfg.Peer.DataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			agent, err := peer.New(*cfg.Peer, st, log)
			if err != nil {
				return err
			}
			defer agent.Close()

			watcher, err := config.Watch(configPath, func(next config.Config) {
				if next.Peer == nil {
					return
				}
				log.Info("config reloaded", zap.String("path", configPath))
				agent.ApplyConfig(*next.Peer)
			}, func(err error) {
				log.Warn("config reload failed", zap.Error(err))
			})
			if err != nil {
				log.Warn("config watch disabled", zap.Error(err))
			} else {
				defer watcher.Stop()
			}

			ctx, stop := signalContext()
			defer stop()
			return agent.ListenAndServe(ctx)
		},
	}

	var name string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register the running agent with the superpeer",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := agentClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			reg, err := client.RegisterLocal(ctx, name)
			if err != nil {
				return err
			}
			printRegistration(reg)
			return nil
		},
	}
	register.Flags().StringVar(&name, "name", "", "peer name (defaults to configured name)")

	deregister := &cobra.Command{
		Use:   "deregister",
		Short: "Withdraw the running agent from the superpeer",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := agentClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			reg, err := client.DeregisterLocal(ctx)
			if err != nil {
				return err
			}
			printRegistration(reg)
			return nil
		},
	}

	cmd.AddCommand(run, register, deregister)
	return cmd
}

func printRegistration(reg api.Registration) {
	fmt.Fprintf(os.Stdout, "%-16s  %-10s  %-25s\n", "NAME", "REGISTERED", "UPDATED")
	fmt.Fprintf(os.Stdout, "%-16s  %-10t  %-25s\n", reg.Name, reg.Registered, reg.Timestamp.Format(time.RFC3339))
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List live peers known to the superpeer",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := superpeerClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			peers, err := client.Peers(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%-16s  %-10s  %-10s  %-10s  %-10s  %-5s  %-20s  %-8s\n",
				"NAME", "RAM_FREE", "RAM_TOTAL", "DISK_FREE", "DISK_TOTAL", "CPU", "GPU", "AGE")
			now := time.Now()
			for _, p := range peers {
				fmt.Fprintf(os.Stdout, "%-16s  %-10s  %-10s  %-10s  %-10s  %-5d  %-20s  %-8s\n",
					p.Name,
					formatBytes(p.AvailableRAM), formatBytes(p.TotalRAM),
					formatBytes(p.AvailableStorage), formatBytes(p.TotalStorage),
					p.CPUCores,
					fmt.Sprintf("%s (%d/%d)", p.GPU, p.FreeGPUs(), p.TotalGPUs),
					now.Sub(p.LastSeen).Round(time.Second),
				)
			}
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var (
		ram, storage uint64
		cpu, gpu     uint32
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the superpeer whether the network can host an allocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req model.AllocationRequest
			if cmd.Flags().Changed("ram") {
				req.RAM = &ram
			}
			if cmd.Flags().Changed("storage") {
				req.Storage = &storage
			}
			if cmd.Flags().Changed("cpu") {
				req.CPU = &cpu
			}
			if cmd.Flags().Changed("gpu") {
				g := model.GPUCount(gpu)
				req.GPU = &g
			}

			client, err := superpeerClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			resp, err := client.CheckAllocation(ctx, req)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "can allocate: %t\n", resp.CanAllocate)
			if resp.Error != "" {
				fmt.Fprintf(os.Stdout, "reason:       %s\n", resp.Error)
			}
			t := resp.TotalAvailable
			fmt.Fprintf(os.Stdout, "available:    ram=%s storage=%s cpu=%d gpu=%d\n",
				formatBytes(t.RAM), formatBytes(t.Storage), t.CPU, t.GPU)
			fmt.Fprintf(os.Stdout, "%-16s  %-10s  %-10s  %-5s  %-5s\n", "PEER", "RAM_FREE", "DISK_FREE", "CPU", "GPU")
			for _, p := range resp.SuitablePeers {
				fmt.Fprintf(os.Stdout, "%-16s  %-10s  %-10s  %-5d  %-5d\n",
					p.Name, formatBytes(p.AvailableRAM), formatBytes(p.AvailableStorage), p.CPUCores, p.FreeGPUs())
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&ram, "ram", 0, "bytes of RAM")
	cmd.Flags().Uint64Var(&storage, "storage", 0, "bytes of storage")
	cmd.Flags().Uint32Var(&cpu, "cpu", 0, "CPU cores")
	cmd.Flags().Uint32Var(&gpu, "gpu", 0, "GPU units")
	return cmd
}

func planCmd() *cobra.Command {
	var bytes uint64
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan how to spread a storage request across live peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bytes == 0 {
				return fmt.Errorf("--bytes is required")
			}
			client, err := superpeerClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			resp, err := client.PlanStorage(ctx, bytes)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%-16s  %-12s\n", "PEER", "BYTES")
			for _, a := range resp.Plan {
				fmt.Fprintf(os.Stdout, "%-16s  %-12d\n", a.PeerName, a.AllocatedBytes)
			}
			fmt.Fprintf(os.Stdout, "allocated %s of %s", formatBytes(resp.Allocated), formatBytes(bytes))
			if resp.Partial {
				fmt.Fprint(os.Stdout, " (partial)")
			}
			fmt.Fprintln(os.Stdout)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&bytes, "bytes", 0, "bytes to place")
	return cmd
}

func connectCmd() *cobra.Command {
	var (
		ram, storage uint64
		cpu          float64
		gpu          uint32
	)
	cmd := &cobra.Command{
		Use:   "connect <peer>",
		Short: "Open a sandbox on another peer through the local agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ConnectRequest{RAM: &ram, CPU: &cpu}
			if cmd.Flags().Changed("gpu") {
				g := model.GPUCount(gpu)
				req.GPU = &g
			}
			if cmd.Flags().Changed("storage") {
				req.Storage = &storage
			}

			client, err := agentClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			resp, err := client.Connect(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%-16s  %-36s  %-64s\n", "PEER", "CONTAINER", "SECRET_KEY")
			fmt.Fprintf(os.Stdout, "%-16s  %-36s  %-64s\n", resp.Peer, resp.ContainerID, resp.SecretKey)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&ram, "ram", 512<<20, "bytes of RAM")
	cmd.Flags().Float64Var(&cpu, "cpu", 1, "CPU cores")
	cmd.Flags().Uint32Var(&gpu, "gpu", 0, "GPU units")
	cmd.Flags().Uint64Var(&storage, "storage", 0, "bytes of storage")
	return cmd
}

func execCmd() *cobra.Command {
	var req api.ExecRequest
	cmd := &cobra.Command{
		Use:   "exec <peer>",
		Short: "Run a command in a remote sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := agentClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			out, err := client.RemoteExec(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stdout, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ContainerID, "container", "", "container id")
	cmd.Flags().StringVar(&req.SecretKey, "key", "", "sandbox secret key")
	cmd.Flags().StringVar(&req.Cmd, "cmd", "", "shell command")
	_ = cmd.MarkFlagRequired("container")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

func closeCmd() *cobra.Command {
	var req api.CloseRequest
	cmd := &cobra.Command{
		Use:   "close <peer>",
		Short: "Tear down a remote sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := agentClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			if err := client.RemoteClose(ctx, args[0], req); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "closed %s on %s\n", req.ContainerID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ContainerID, "container", "", "container id")
	cmd.Flags().StringVar(&req.SecretKey, "key", "", "sandbox secret key")
	_ = cmd.MarkFlagRequired("container")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func stunCmd() *cobra.Command {
	var servers []string
	cmd := &cobra.Command{
		Use:   "stun",
		Short: "Discover the public UDP mapping and NAT type",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := time.Duration(config.DefaultSTUNTimeout) * time.Second
			logLevel := "warn"
			if len(servers) == 0 {
				servers = config.DefaultSTUNServers
				if cfg, err := config.Load(configPath); err == nil && cfg.Peer != nil {
					servers = cfg.Peer.STUNServers
					timeout = cfg.Peer.STUNTimeout()
				}
			}
			normalized, err := addrutil.NormalizeSTUNList(servers)
			if err != nil {
				return err
			}
			log := newLogger(config.Config{LogLevel: logLevel})
			defer log.Sync()

			ctx, cancel := requestContext(timeout + 5*time.Second)
			defer cancel()
			ep, err := nat.Probe(ctx, normalized, timeout, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%-39s  %-6s  %-16s\n", "PUBLIC_IP", "PORT", "NAT_TYPE")
			fmt.Fprintf(os.Stdout, "%-39s  %-6d  %-16s\n", ep.PublicIP, ep.PublicPort, ep.NATType)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&servers, "server", nil, "STUN server (repeatable)")
	return cmd
}

func punchCmd() *cobra.Command {
	var req api.PunchRequest
	cmd := &cobra.Command{
		Use:   "punch",
		Short: "Ask the local agent to hole-punch toward a remote endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := addrutil.Endpoint(req.RemoteIP, req.RemotePort); err != nil {
				return err
			}
			client, err := agentClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			resp, err := client.Punch(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%-22s  %-7s\n", "REMOTE", "SUCCESS")
			fmt.Fprintf(os.Stdout, "%-22s  %-7t\n", resp.Remote, resp.Success)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RemoteIP, "ip", "", "remote public ip")
	cmd.Flags().IntVar(&req.RemotePort, "port", 0, "remote public port")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show superpeer health and runtime stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := superpeerClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			health, err := client.Health(ctx)
			if err != nil {
				return err
			}
			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "superpeer:       %s (%s)\n", client.BaseURL(), health.Status)
			fmt.Fprintf(os.Stdout, "liveness window: %ds\n", health.LivenessWindowSec)
			fmt.Fprintf(os.Stdout, "tunnel peers:    %d\n", stats.ConnectedPeers)
			fmt.Fprintf(os.Stdout, "uptime:          %s\n", (time.Duration(stats.Uptime) * time.Second).String())
			fmt.Fprintf(os.Stdout, "memory:          alloc=%s sys=%s gc=%d\n",
				formatBytes(stats.Memory.Alloc), formatBytes(stats.Memory.Sys), stats.Memory.NumGC)
			return nil
		},
	}
}

func natCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "nat",
		Short: "Show the local agent's last NAT probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := agentClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cliTimeout)
			defer cancel()
			st, err := client.NAT(ctx, refresh)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%-39s  %-6s  %-16s  %-10s  %-25s\n", "PUBLIC_IP", "PORT", "NAT_TYPE", "LOCAL_PORT", "CHECKED_AT")
			fmt.Fprintf(os.Stdout, "%-39s  %-6d  %-16s  %-10d  %-25s\n",
				st.PublicIP, st.PublicPort, st.NATType, st.LocalPort, st.CheckedAt.Format(time.RFC3339))
			if st.Error != "" {
				fmt.Fprintf(os.Stdout, "error: %s\n", st.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "probe STUN servers now")
	return cmd
}
