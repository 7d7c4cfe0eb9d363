package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"netplay-natt/config"
	"netplay-natt/internal/ifinfo"
	"netplay-natt/internal/natclient"
	"netplay-natt/internal/natpmp"
	"netplay-natt/internal/natt"
	"netplay-natt/internal/relay"
	"netplay-natt/internal/session"
	"netplay-natt/internal/stunprobe"
	"netplay-natt/internal/taskqueue"
	"netplay-natt/internal/upnp"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newClient 按配置组装发现后端
func newClient(cfg *config.Config, logger *logrus.Logger) *natclient.Client {
	var backends []natclient.Backend
	if cfg.NATT.UPnP {
		backends = append(backends, upnp.NewUPnPManager(logger))
	}
	if cfg.NATT.NATPMP {
		backends = append(backends, natpmp.NewMapper(logger, cfg.NATT.NATPMPTimeout))
	}

	return natclient.New(natclient.Config{
		DiscoveryTimeout: cfg.NATT.DiscoveryTimeout,
		OperationTimeout: cfg.NATT.OperationTimeout,
		Description:      cfg.NATT.Description,
		LeaseDuration:    cfg.NATT.LeaseDuration,
	}, logger, backends...)
}

func newOpenCmd() *cobra.Command {
	var (
		port  int
		peers []string
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "打开端口映射并保持，收到中断信号后关闭",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.NATT.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			peerAddrs, err := resolvePeers(peers)
			if err != nil {
				return err
			}
			return runOpen(cfg, logger, peerAddrs)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "本地端口，默认使用配置中的端口")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "使用中继时授权的对端地址 (host:port)，可重复")
	return cmd
}

// resolvePeers 解析对端的UDP地址
func resolvePeers(peers []string) ([]net.Addr, error) {
	addrs := make([]net.Addr, 0, len(peers))
	for _, p := range peers {
		addr, err := net.ResolveUDPAddr("udp4", p)
		if err != nil {
			return nil, fmt.Errorf("无效的对端地址 %q: %w", p, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func runOpen(cfg *config.Config, logger *logrus.Logger, peers []net.Addr) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newClient(cfg, logger)
	defer client.Close()

	queue := taskqueue.New(logger, cfg.NATT.PollInterval)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go queue.Run(runCtx)

	traversal := natt.NewTraversal(queue, nil, natt.Options{
		Client:     client,
		Interfaces: ifinfo.NewLister(cfg.Network, logger),
		Protocol:   cfg.Protocol(),
	}, logger)

	opts := session.Options{
		Traversal: traversal,
		Protocol:  cfg.Protocol(),
		Peers:     peers,
		OnProgress: func(percent int) {
			fmt.Printf("\r进度: %3d%%", percent)
			if percent == 100 {
				fmt.Println()
			}
		},
	}
	if cfg.STUN.Enabled {
		opts.Verifier = stunprobe.NewProber(cfg.STUN, logger)
	}
	if cfg.Relay.Enabled {
		opts.Relayer = relay.NewAllocator(cfg.Relay, logger)
	}
	host := session.NewHost(opts, logger)

	ep, err := host.Announce(ctx, uint16(cfg.NATT.Port))
	if err != nil {
		return err
	}

	fmt.Printf("可达地址: %s (%s)\n", ep.Addr, ep.Kind)
	if ep.Report != nil && ep.Report.DoubleNAT {
		fmt.Println("警告: 网关外部地址不是公网地址，可能处于双重NAT之后")
	}

	logger.WithFields(logrus.Fields{
		"endpoint": ep.Addr,
		"kind":     ep.Kind,
	}).Info("映射已建立，等待中断信号")
	<-ctx.Done()
	logger.Info("收到中断信号，开始关闭")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.NATT.OperationTimeout)
	defer cancel()
	return host.Shutdown(shutdownCtx)
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "通过STUN服务器查询公网地址",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			prober := stunprobe.NewProber(cfg.STUN, logger)
			m, err := prober.PublicAddress(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("公网地址: %s (来自 %s)\n", net.JoinHostPort(m.IP.String(), fmt.Sprint(m.Port)), m.Server)
			if stunprobe.IsPrivate(m.IP) {
				fmt.Println("警告: 公网地址是私有地址")
			}
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "列出发现的网关和对应的本地地址",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			client := newClient(cfg, logger)
			defer client.Close()

			devices, err := client.DiscoverAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("未发现网关")
				return nil
			}

			interfaces, err := ifinfo.NewLister(cfg.Network, logger).Interfaces()
			if err != nil {
				return err
			}

			for _, dev := range devices {
				local := "-"
				if addr, ok := natt.FindLocalAddress(dev.Addr, interfaces, natt.DefaultResolver); ok {
					local = addr.String()
				}
				fmt.Printf("%-40s 网关 %-16s 本地 %s\n", dev.Desc, dev.Addr, local)
			}
			return nil
		},
	}
}
