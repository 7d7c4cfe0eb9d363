// Package relay 在端口映射失败时通过TURN服务器分配中继地址
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/turn/v2"
	"github.com/sirupsen/logrus"
)

// ErrNoRelay 没有可用的TURN服务器
var ErrNoRelay = errors.New("没有可用的TURN服务器")

const software = "netplay-natt"

// Server TURN服务器信息
type Server struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

// Addr 返回服务器地址
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Config 中继配置
type Config struct {
	Enabled     bool     `mapstructure:"enabled"`
	TURNServers []Server `mapstructure:"turn_servers"`
}

// Allocator 依次尝试TURN服务器
type Allocator struct {
	config Config
	logger *logrus.Logger
}

// NewAllocator 创建中继分配器
func NewAllocator(config Config, logger *logrus.Logger) *Allocator {
	return &Allocator{config: config, logger: logger}
}

// Allocate 返回第一个成功分配的中继
func (a *Allocator) Allocate(ctx context.Context) (*Allocation, error) {
	if len(a.config.TURNServers) == 0 {
		return nil, ErrNoRelay
	}

	var lastErr error
	for _, server := range a.config.TURNServers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		alloc, err := a.allocate(ctx, server)
		if err != nil {
			lastErr = err
			a.logger.WithFields(logrus.Fields{
				"server": server.Addr(),
				"error":  err,
			}).Warn("TURN服务器连接失败")
			continue
		}

		a.logger.WithFields(logrus.Fields{
			"server":     server.Addr(),
			"relay_addr": alloc.RelayAddr.String(),
		}).Info("TURN中继分配成功")
		return alloc, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrNoRelay, lastErr)
}

// Relay 分配中继，为 peers 创建权限并转发到本地端口，转发持续到返回的 Closer 被关闭
//
// TURN服务器丢弃来自未授权对端的数据，之后加入的对端通过 Allocation.Permit 授权。
func (a *Allocator) Relay(ctx context.Context, localPort uint16, peers ...net.Addr) (net.Addr, io.Closer, error) {
	alloc, err := a.Allocate(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(peers) > 0 {
		if err := alloc.Permit(peers...); err != nil {
			alloc.Close()
			return nil, nil, err
		}
	}
	alloc.Forward(context.Background(), localPort)
	return alloc.RelayAddr, alloc, nil
}

func (a *Allocator) allocate(ctx context.Context, server Server) (*Allocation, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("创建本地UDP连接失败: %w", err)
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: server.Addr(),
		TURNServerAddr: server.Addr(),
		Username:       server.Username,
		Password:       server.Password,
		Realm:          server.Realm,
		Software:       software,
		Conn:           conn,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建TURN客户端失败: %w", err)
	}

	if err := client.Listen(); err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("启动TURN客户端失败: %w", err)
	}

	// Allocate 不接受 context，超时后关闭客户端使其返回
	type result struct {
		conn net.PacketConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		relayConn, err := client.Allocate()
		ch <- result{relayConn, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		client.Close()
		conn.Close()
		return nil, ctx.Err()
	}
	if r.err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("分配中继地址失败: %w", r.err)
	}

	relayAddr, ok := r.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		r.conn.Close()
		client.Close()
		conn.Close()
		return nil, errors.New("无法获取中继地址")
	}

	return &Allocation{
		Server:    server,
		RelayAddr: relayAddr,
		client:    client,
		conn:      conn,
		relayConn: r.conn,
		logger:    a.logger,
	}, nil
}

// Allocation 已分配的中继
type Allocation struct {
	Server    Server
	RelayAddr *net.UDPAddr

	client    *turn.Client
	conn      net.PacketConn
	relayConn net.PacketConn
	logger    *logrus.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Permit 允许对端通过中继发送数据
func (a *Allocation) Permit(peers ...net.Addr) error {
	if err := a.client.CreatePermission(peers...); err != nil {
		return fmt.Errorf("创建中继权限失败: %w", err)
	}
	for _, peer := range peers {
		a.logger.WithField("peer", peer.String()).Debug("已授权中继对端")
	}
	return nil
}

// Forward 将中继收到的数据转发到本地UDP端口，并把本地响应发回对端
//
// 每个对端使用一个本地UDP连接，直到 ctx 取消或分配关闭。
func (a *Allocation) Forward(ctx context.Context, localPort uint16) {
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(localPort)}
	peers := make(map[string]*net.UDPConn)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			for _, c := range peers {
				c.Close()
			}
		}()

		buffer := make([]byte, 4096)
		for {
			if ctx.Err() != nil {
				return
			}
			a.relayConn.SetReadDeadline(time.Now().Add(time.Second))
			n, peer, err := a.relayConn.ReadFrom(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				a.logger.WithError(err).Debug("中继连接已关闭")
				return
			}

			local, ok := peers[peer.String()]
			if !ok {
				local, err = net.DialUDP("udp4", nil, target)
				if err != nil {
					a.logger.WithFields(logrus.Fields{
						"target_port": localPort,
						"error":       err,
					}).Error("连接本地UDP目标端口失败")
					continue
				}
				peers[peer.String()] = local
				a.wg.Add(1)
				go a.pipeBack(ctx, local, peer)
			}

			if _, err := local.Write(buffer[:n]); err != nil {
				a.logger.WithFields(logrus.Fields{
					"target_port": localPort,
					"error":       err,
				}).Warn("发送数据到本地UDP目标端口失败")
			}
		}
	}()

	a.logger.WithFields(logrus.Fields{
		"relay_addr":  a.RelayAddr.String(),
		"target_port": localPort,
	}).Info("TURN数据转发已启动")
}

// pipeBack 把本地服务的响应发回对端
func (a *Allocation) pipeBack(ctx context.Context, local *net.UDPConn, peer net.Addr) {
	defer a.wg.Done()

	buffer := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		local.SetReadDeadline(time.Now().Add(time.Second))
		n, err := local.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if _, err := a.relayConn.WriteTo(buffer[:n], peer); err != nil {
			a.logger.WithFields(logrus.Fields{
				"peer":  peer.String(),
				"error": err,
			}).Warn("发送TURN响应数据失败")
		}
	}
}

// Close 释放中继
func (a *Allocation) Close() error {
	a.closeOnce.Do(func() {
		a.relayConn.Close()
		a.client.Close()
		a.conn.Close()
		a.wg.Wait()
		a.logger.WithField("relay_addr", a.RelayAddr.String()).Info("TURN中继已释放")
	})
	return nil
}
