// Package natpmp 提供 NAT-PMP 端口映射后端
//
// NAT-PMP 没有设备描述和服务类型，后端为默认网关生成一个描述，
// 并在查询成功后报告固定的服务类型。
package natpmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"netplay-natt/internal/natclient"
	"netplay-natt/internal/natt"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// ServiceType NAT-PMP 设备的服务类型
const ServiceType = "nat-pmp"

// defaultLifetime 未配置租期时使用的映射有效期，NAT-PMP 中 0 表示删除
const defaultLifetime = 2 * time.Hour

var (
	// ErrNoGateway 未找到默认网关
	ErrNoGateway = errors.New("未找到NAT-PMP网关")
)

// pmpClient go-nat-pmp 客户端
type pmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// Mapper NAT-PMP 后端
type Mapper struct {
	logger  *logrus.Logger
	timeout time.Duration

	gatewayFunc func() (net.IP, error)
	newClient   func(gw net.IP, timeout time.Duration) pmpClient
}

var _ natclient.Backend = (*Mapper)(nil)

// NewMapper 创建 NAT-PMP 后端
func NewMapper(logger *logrus.Logger, timeout time.Duration) *Mapper {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Mapper{
		logger:      logger,
		timeout:     timeout,
		gatewayFunc: gateway.DiscoverGateway,
		newClient: func(gw net.IP, timeout time.Duration) pmpClient {
			return natpmp.NewClientWithTimeout(gw, timeout)
		},
	}
}

// Name 返回后端名称
func (m *Mapper) Name() string {
	return "nat-pmp"
}

// Owns 设备句柄是否为NAT-PMP客户端
func (m *Mapper) Owns(dev *natt.Device) bool {
	_, err := clientOf(dev)
	return err == nil
}

// Discover 以默认网关作为唯一候选设备
func (m *Mapper) Discover(ctx context.Context, found func(dev *natt.Device)) error {
	gw, err := m.gatewayFunc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	gw4 := gw.To4()
	if gw4 == nil {
		return fmt.Errorf("%w: 网关不是IPv4地址 %s", ErrNoGateway, gw)
	}

	m.logger.WithField("gateway", gw4.String()).Debug("发现NAT-PMP候选网关")
	found(&natt.Device{
		Desc:   "NAT-PMP gateway " + gw4.String(),
		Addr:   gw4,
		Handle: m.newClient(gw4, m.timeout),
	})
	return nil
}

func clientOf(dev *natt.Device) (pmpClient, error) {
	client, ok := dev.Handle.(pmpClient)
	if !ok || client == nil {
		return nil, fmt.Errorf("不是NAT-PMP设备: %s", dev)
	}
	return client, nil
}

// call 在 goroutine 中执行阻塞调用，使其服从 ctx
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Query 通过请求外部地址确认网关支持 NAT-PMP
func (m *Mapper) Query(ctx context.Context, dev *natt.Device) (string, error) {
	if _, err := m.ExternalAddress(ctx, dev); err != nil {
		return "", err
	}
	return ServiceType, nil
}

// ExternalAddress 获取外部地址
func (m *Mapper) ExternalAddress(ctx context.Context, dev *natt.Device) (net.IP, error) {
	client, err := clientOf(dev)
	if err != nil {
		return nil, err
	}

	res, err := call(ctx, client.GetExternalAddress)
	if err != nil {
		return nil, fmt.Errorf("NAT-PMP获取外部地址失败: %w", err)
	}
	return net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1],
		res.ExternalIPAddress[2], res.ExternalIPAddress[3]).To4(), nil
}

// AddPortMapping 添加映射；ForwardTypeAny 不建议外部端口，由网关选择
func (m *Mapper) AddPortMapping(ctx context.Context, dev *natt.Device, mapping natclient.Mapping) (uint16, error) {
	client, err := clientOf(dev)
	if err != nil {
		return 0, err
	}
	proto, err := protocolName(mapping.Protocol)
	if err != nil {
		return 0, err
	}

	requested := int(mapping.ExternalPort)
	if mapping.Forward == natt.ForwardTypeAny {
		requested = 0
	}
	lifetime := mapping.LeaseDuration
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}

	res, err := call(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return client.AddPortMapping(proto, int(mapping.InternalPort), requested, int(lifetime/time.Second))
	})
	if err != nil {
		return 0, fmt.Errorf("NAT-PMP端口映射失败: %w", err)
	}
	if mapping.Forward == natt.ForwardTypeNone && res.MappedExternalPort != mapping.InternalPort {
		// 网关已建立映射，先撤销再报告失败
		if err := m.DeletePortMapping(ctx, dev, mapping); err != nil {
			m.logger.WithError(err).Warn("撤销不匹配的NAT-PMP映射失败")
		}
		return 0, fmt.Errorf("NAT-PMP网关分配了不同的端口: %d", res.MappedExternalPort)
	}

	m.logger.WithFields(logrus.Fields{
		"gateway":       dev.Addr.String(),
		"internal_port": mapping.InternalPort,
		"external_port": res.MappedExternalPort,
		"protocol":      proto,
		"lifetime":      res.PortMappingLifetimeInSeconds,
	}).Info("NAT-PMP端口映射成功")
	return res.MappedExternalPort, nil
}

// DeletePortMapping 以零有效期重新请求映射来删除
func (m *Mapper) DeletePortMapping(ctx context.Context, dev *natt.Device, mapping natclient.Mapping) error {
	client, err := clientOf(dev)
	if err != nil {
		return err
	}
	proto, err := protocolName(mapping.Protocol)
	if err != nil {
		return err
	}

	_, err = call(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return client.AddPortMapping(proto, int(mapping.InternalPort), 0, 0)
	})
	if err != nil {
		return fmt.Errorf("NAT-PMP删除映射失败: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"gateway":       dev.Addr.String(),
		"internal_port": mapping.InternalPort,
		"protocol":      proto,
	}).Info("NAT-PMP端口映射已删除")
	return nil
}

func protocolName(p natt.Protocol) (string, error) {
	switch p {
	case natt.ProtocolTCP, natt.ProtocolUDP:
		return strings.ToLower(p.String()), nil
	default:
		return "", fmt.Errorf("不支持的协议: %s", p)
	}
}
