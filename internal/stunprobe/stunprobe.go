// Package stunprobe 通过STUN服务器获取公网地址，用于核对网关报告的外部地址
package stunprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// PublicSTUNServers 公共STUN服务器列表
var PublicSTUNServers = []string{
	"stun.miwifi.com:3478",
	"stun.chat.bilibili.com:3478",
	"stun.hitv.com:3478",
	"stun.cdnbye.com:3478",
}

// ErrNoServer 没有配置STUN服务器
var ErrNoServer = errors.New("没有可用的STUN服务器")

// cgnat 运营商级NAT共享地址段 100.64.0.0/10
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0).To4(), Mask: net.CIDRMask(10, 32)}

// Config 探测配置
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	Servers []string      `mapstructure:"servers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Mapping STUN服务器观察到的地址
type Mapping struct {
	Server string
	IP     net.IP
	Port   int
}

// Report 外部地址核对结果
type Report struct {
	Expected net.IP
	Observed *Mapping
	// Match 网关外部地址与STUN观察到的地址一致
	Match bool
	// DoubleNAT 网关外部地址是私有或共享地址，映射无法从公网到达
	DoubleNAT bool
}

// Prober STUN探测器
type Prober struct {
	config Config
	logger *logrus.Logger
}

// NewProber 创建探测器
func NewProber(config Config, logger *logrus.Logger) *Prober {
	if len(config.Servers) == 0 {
		config.Servers = PublicSTUNServers
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Prober{config: config, logger: logger}
}

// PublicAddress 依次查询STUN服务器，返回第一个成功的结果
func (p *Prober) PublicAddress(ctx context.Context) (*Mapping, error) {
	var lastErr error = ErrNoServer

	for _, server := range p.config.Servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := p.Query(ctx, server)
		if err != nil {
			lastErr = err
			p.logger.WithFields(logrus.Fields{
				"server": server,
				"error":  err,
			}).Debug("STUN服务器查询失败")
			continue
		}

		p.logger.WithFields(logrus.Fields{
			"server":    server,
			"public_ip": m.IP.String(),
			"port":      m.Port,
		}).Debug("获取到公网地址")
		return m, nil
	}

	return nil, fmt.Errorf("所有STUN服务器查询失败: %w", lastErr)
}

// Query 查询单个STUN服务器
func (p *Prober) Query(ctx context.Context, server string) (*Mapping, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(p.config.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(request.Raw); err != nil {
		return nil, err
	}

	buffer := make([]byte, 1500)
	n, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}

	var response stun.Message
	if err := stun.Decode(buffer[:n], &response); err != nil {
		return nil, err
	}
	if response.TransactionID != request.TransactionID {
		return nil, errors.New("STUN响应的事务ID不匹配")
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&response); err != nil {
		return nil, err
	}

	return &Mapping{Server: server, IP: xorAddr.IP, Port: xorAddr.Port}, nil
}

// Verify 用STUN结果核对网关报告的外部地址
func (p *Prober) Verify(ctx context.Context, expected net.IP) (*Report, error) {
	report := &Report{
		Expected:  expected,
		DoubleNAT: IsPrivate(expected),
	}

	observed, err := p.PublicAddress(ctx)
	if err != nil {
		return report, err
	}
	report.Observed = observed
	report.Match = observed.IP.Equal(expected)

	fields := logrus.Fields{
		"expected": expected.String(),
		"observed": observed.IP.String(),
		"server":   observed.Server,
	}
	switch {
	case report.DoubleNAT:
		p.logger.WithFields(fields).Warn("网关外部地址不是公网地址，可能处于双重NAT之后")
	case !report.Match:
		p.logger.WithFields(fields).Warn("网关外部地址与STUN观察到的地址不一致")
	default:
		p.logger.WithFields(fields).Info("外部地址核对一致")
	}
	return report, nil
}

// IsPrivate 检查是否为私有或运营商共享地址
func IsPrivate(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	return ip4.IsPrivate() || ip4.IsLoopback() || cgnat.Contains(ip4)
}
