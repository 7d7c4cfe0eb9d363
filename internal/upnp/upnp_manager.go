package upnp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"netplay-natt/internal/natclient"
	"netplay-natt/internal/natt"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sirupsen/logrus"
)

// 网关设备搜索目标
var searchTargets = []string{
	"urn:schemas-upnp-org:device:InternetGatewayDevice:2",
	"urn:schemas-upnp-org:device:InternetGatewayDevice:1",
}

var (
	// ErrNoService 设备没有WAN连接服务
	ErrNoService = errors.New("设备没有WAN连接服务")
	// ErrAnyPortUnsupported 设备不支持由网关选择外部端口
	ErrAnyPortUnsupported = errors.New("设备不支持AddAnyPortMapping")
)

// wanConnection WAN连接服务客户端
type wanConnection interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

// anyPortConnection 支持 AddAnyPortMapping 的 IGDv2 服务
type anyPortConnection interface {
	AddAnyPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) (uint16, error)
}

// gateway 设备句柄
type gateway struct {
	root     *goupnp.RootDevice
	location *url.URL
	conn     wanConnection
}

// UPnPManager UPnP IGD 后端
type UPnPManager struct {
	logger *logrus.Logger

	// discover 可替换的发现函数
	discover func(ctx context.Context, target string) ([]goupnp.MaybeRootDevice, error)
}

var _ natclient.Backend = (*UPnPManager)(nil)

// NewUPnPManager 创建新的UPnP后端
func NewUPnPManager(logger *logrus.Logger) *UPnPManager {
	return &UPnPManager{
		logger:   logger,
		discover: goupnp.DiscoverDevicesCtx,
	}
}

// Name 返回后端名称
func (um *UPnPManager) Name() string {
	return "upnp"
}

// Owns 设备句柄是否为UPnP网关
func (um *UPnPManager) Owns(dev *natt.Device) bool {
	gw, ok := dev.Handle.(*gateway)
	return ok && gw != nil
}

// Discover 通过SSDP发现网关设备
func (um *UPnPManager) Discover(ctx context.Context, found func(dev *natt.Device)) error {
	seen := make(map[string]bool)
	var lastErr error

	for _, target := range searchTargets {
		devices, err := um.discover(ctx, target)
		if err != nil {
			lastErr = err
			um.logger.WithFields(logrus.Fields{
				"target": target,
				"error":  err,
			}).Debug("SSDP搜索失败")
			continue
		}

		for _, maybe := range devices {
			if maybe.Err != nil || maybe.Root == nil || maybe.Location == nil {
				continue
			}
			key := maybe.Location.String()
			if seen[key] {
				continue
			}
			seen[key] = true

			dev := newDevice(maybe)
			um.logger.WithFields(logrus.Fields{
				"device":   dev.Desc,
				"location": key,
			}).Info("发现UPnP设备")
			found(dev)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if len(seen) == 0 && lastErr != nil {
		return fmt.Errorf("发现UPnP设备失败: %w", lastErr)
	}
	return nil
}

func newDevice(maybe goupnp.MaybeRootDevice) *natt.Device {
	return &natt.Device{
		Desc: maybe.Root.Device.FriendlyName,
		Addr: hostIP(maybe.Location),
		Handle: &gateway{
			root:     maybe.Root,
			location: maybe.Location,
		},
	}
}

// hostIP 从设备描述地址中取出IPv4地址
func hostIP(loc *url.URL) net.IP {
	host := loc.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4()
	}
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil
	}
	return addr.IP
}

func handleOf(dev *natt.Device) (*gateway, error) {
	gw, ok := dev.Handle.(*gateway)
	if !ok || gw == nil {
		return nil, fmt.Errorf("不是UPnP设备: %s", dev)
	}
	return gw, nil
}

// Query 在设备描述中查找WAN连接服务，IGDv2优先
func (um *UPnPManager) Query(ctx context.Context, dev *natt.Device) (string, error) {
	gw, err := handleOf(dev)
	if err != nil {
		return "", err
	}

	if clients, err := internetgateway2.NewWANIPConnection2ClientsFromRootDevice(gw.root, gw.location); err == nil && len(clients) > 0 {
		gw.conn = clients[0]
		return clients[0].Service.ServiceType, nil
	}
	if clients, err := internetgateway1.NewWANIPConnection1ClientsFromRootDevice(gw.root, gw.location); err == nil && len(clients) > 0 {
		gw.conn = clients[0]
		return clients[0].Service.ServiceType, nil
	}
	if clients, err := internetgateway1.NewWANPPPConnection1ClientsFromRootDevice(gw.root, gw.location); err == nil && len(clients) > 0 {
		gw.conn = clients[0]
		return clients[0].Service.ServiceType, nil
	}

	return "", ErrNoService
}

func connOf(dev *natt.Device) (wanConnection, error) {
	gw, err := handleOf(dev)
	if err != nil {
		return nil, err
	}
	if gw.conn == nil {
		return nil, ErrNoService
	}
	return gw.conn, nil
}

// ExternalAddress 获取外部IP地址
func (um *UPnPManager) ExternalAddress(ctx context.Context, dev *natt.Device) (net.IP, error) {
	conn, err := connOf(dev)
	if err != nil {
		return nil, err
	}

	addr, err := conn.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取外部IP地址失败: %w", err)
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("无效的外部IP地址: %q", addr)
	}

	um.logger.WithFields(logrus.Fields{
		"device":      dev.Desc,
		"external_ip": addr,
	}).Debug("获取外部IP地址")
	return ip, nil
}

// AddPortMapping 添加端口映射
//
// ForwardTypeAny 使用 AddAnyPortMapping 由网关选择外部端口，只有IGDv2支持；
// 其余情况要求外部端口与内部端口一致。
func (um *UPnPManager) AddPortMapping(ctx context.Context, dev *natt.Device, m natclient.Mapping) (uint16, error) {
	conn, err := connOf(dev)
	if err != nil {
		return 0, err
	}

	lease := leaseSeconds(m.LeaseDuration)
	client := m.InternalClient.String()

	if m.Forward == natt.ForwardTypeAny {
		anyConn, ok := conn.(anyPortConnection)
		if !ok {
			return 0, ErrAnyPortUnsupported
		}
		port, err := anyConn.AddAnyPortMappingCtx(ctx, "", m.ExternalPort, m.Protocol.String(),
			m.InternalPort, client, true, m.Description, lease)
		if err != nil {
			return 0, fmt.Errorf("添加端口映射失败: %w", err)
		}
		um.logMapping(dev, m, port)
		return port, nil
	}

	err = conn.AddPortMappingCtx(ctx, "", m.InternalPort, m.Protocol.String(),
		m.InternalPort, client, true, m.Description, lease)
	if err != nil {
		return 0, fmt.Errorf("添加端口映射失败: %w", err)
	}
	um.logMapping(dev, m, m.InternalPort)
	return m.InternalPort, nil
}

func (um *UPnPManager) logMapping(dev *natt.Device, m natclient.Mapping, port uint16) {
	um.logger.WithFields(logrus.Fields{
		"device":        dev.Desc,
		"internal_port": m.InternalPort,
		"external_port": port,
		"protocol":      m.Protocol.String(),
		"local_ip":      m.InternalClient.String(),
		"description":   m.Description,
	}).Info("端口映射添加成功")
}

// DeletePortMapping 删除端口映射
func (um *UPnPManager) DeletePortMapping(ctx context.Context, dev *natt.Device, m natclient.Mapping) error {
	conn, err := connOf(dev)
	if err != nil {
		return err
	}

	if err := conn.DeletePortMappingCtx(ctx, "", m.ExternalPort, m.Protocol.String()); err != nil {
		return fmt.Errorf("删除端口映射失败: %w", err)
	}

	um.logger.WithFields(logrus.Fields{
		"device":        dev.Desc,
		"external_port": m.ExternalPort,
		"protocol":      m.Protocol.String(),
	}).Info("端口映射删除成功")
	return nil
}

// leaseSeconds 租期秒数，0 表示永久
func leaseSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}
