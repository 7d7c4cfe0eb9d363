package natclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"netplay-natt/internal/natt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoBackend 没有启用任何发现后端
var ErrNoBackend = errors.New("没有可用的NAT后端")

// Mapping 端口映射参数
type Mapping struct {
	InternalClient net.IP
	InternalPort   uint16
	ExternalPort   uint16
	Protocol       natt.Protocol
	Forward        natt.ForwardType
	Description    string
	LeaseDuration  time.Duration
}

// Backend UPnP 或 NAT-PMP 等具体协议的实现，所有方法都可以阻塞
type Backend interface {
	// Name 返回后端名称
	Name() string

	// Owns 设备是否由该后端发现，依据设备句柄判断
	Owns(dev *natt.Device) bool

	// Discover 发现网关，每找到一个设备调用一次 found
	Discover(ctx context.Context, found func(dev *natt.Device)) error

	// Query 查询设备能力，返回服务类型
	Query(ctx context.Context, dev *natt.Device) (string, error)

	// ExternalAddress 获取设备的外部地址
	ExternalAddress(ctx context.Context, dev *natt.Device) (net.IP, error)

	// AddPortMapping 添加映射，返回外部端口
	AddPortMapping(ctx context.Context, dev *natt.Device, m Mapping) (uint16, error)

	// DeletePortMapping 删除映射
	DeletePortMapping(ctx context.Context, dev *natt.Device, m Mapping) error
}

// Config 客户端配置
type Config struct {
	DiscoveryTimeout time.Duration
	OperationTimeout time.Duration
	Description      string
	LeaseDuration    time.Duration
}

// Client 异步发现与映射客户端，实现 natt.Client
//
// 每个设备操作在独立的 goroutine 中执行，受 OperationTimeout 限制，
// 因此设备的忙碌标志总会被清除。
type Client struct {
	backends []Backend
	config   Config
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ natt.Client = (*Client)(nil)

// New 创建客户端
func New(config Config, logger *logrus.Logger, backends ...Backend) *Client {
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = 5 * time.Second
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		backends: backends,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Discover 开始发现，各后端并发搜索，设备按到达顺序返回
func (c *Client) Discover() (natt.Discovery, error) {
	if len(c.backends) == 0 {
		return nil, ErrNoBackend
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.config.DiscoveryTimeout)
	s := &session{
		devices: make(chan *natt.Device, 16),
		cancel:  cancel,
	}

	go func() {
		defer close(s.devices)
		_ = c.discover(ctx, func(dev *natt.Device) {
			select {
			case s.devices <- dev:
			case <-ctx.Done():
			}
		})
	}()

	c.logger.WithField("backends", len(c.backends)).Debug("开始发现网关")
	return s, nil
}

// DiscoverAll 同步发现所有网关；没有发现设备时返回各后端的错误
func (c *Client) DiscoverAll(ctx context.Context) ([]*natt.Device, error) {
	if len(c.backends) == 0 {
		return nil, ErrNoBackend
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.DiscoveryTimeout)
	defer cancel()

	var (
		mutex   sync.Mutex
		devices []*natt.Device
	)
	err := c.discover(ctx, func(dev *natt.Device) {
		mutex.Lock()
		devices = append(devices, dev)
		mutex.Unlock()
	})
	if len(devices) == 0 && err != nil {
		return nil, err
	}
	return devices, nil
}

// discover 并发运行所有后端，返回各后端错误的合并
func (c *Client) discover(ctx context.Context, found func(dev *natt.Device)) error {
	var (
		g     errgroup.Group
		mutex sync.Mutex
		errs  []error
	)
	for _, backend := range c.backends {
		backend := backend
		g.Go(func() error {
			err := backend.Discover(ctx, func(dev *natt.Device) {
				c.logger.WithFields(logrus.Fields{
					"backend": backend.Name(),
					"device":  dev.String(),
				}).Debug("发现网关设备")
				found(dev)
			})
			if err != nil {
				c.logger.WithFields(logrus.Fields{
					"backend": backend.Name(),
					"error":   err,
				}).Debug("后端发现失败")
				mutex.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
				mutex.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// owner 返回发现该设备的后端
func (c *Client) owner(dev *natt.Device) Backend {
	for _, backend := range c.backends {
		if backend.Owns(dev) {
			return backend
		}
	}
	return nil
}

// async 设置忙碌标志并在后台执行 fn，完成后清除忙碌标志
func (c *Client) async(dev *natt.Device, op string, fn func(ctx context.Context, b Backend) error) bool {
	if dev == nil || dev.Busy() {
		return false
	}
	backend := c.owner(dev)
	if backend == nil {
		c.logger.WithField("device", dev.String()).Warn("设备不属于任何后端")
		return false
	}

	dev.SetBusy(true)
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.config.OperationTimeout)
		defer cancel()
		defer dev.SetBusy(false)

		if err := fn(ctx, backend); err != nil {
			c.logger.WithFields(logrus.Fields{
				"backend":   backend.Name(),
				"device":    dev.String(),
				"operation": op,
				"error":     err,
			}).Warn("网关操作失败")
		}
	}()
	return true
}

// QueryDevice 实现 natt.Client
func (c *Client) QueryDevice(dev *natt.Device) bool {
	return c.async(dev, "query", func(ctx context.Context, b Backend) error {
		serviceType, err := b.Query(ctx, dev)
		if err != nil {
			dev.ServiceType = ""
			return err
		}
		dev.ServiceType = serviceType
		return nil
	})
}

// ExternalAddress 实现 natt.Client
func (c *Client) ExternalAddress(dev *natt.Device) bool {
	return c.async(dev, "external_address", func(ctx context.Context, b Backend) error {
		ip, err := b.ExternalAddress(ctx, dev)
		if err != nil {
			dev.ExtAddr = nil
			return err
		}
		dev.ExtAddr = ip
		return nil
	})
}

// OpenPort 实现 natt.Client
func (c *Client) OpenPort(dev *natt.Device, req *natt.Request, fwd natt.ForwardType) bool {
	m := c.mapping(req, fwd)
	return c.async(dev, "open", func(ctx context.Context, b Backend) error {
		port, err := b.AddPortMapping(ctx, dev, m)
		if err != nil {
			req.Success = false
			return err
		}
		req.Port = port
		req.Success = true
		return nil
	})
}

// ClosePort 实现 natt.Client
func (c *Client) ClosePort(dev *natt.Device, req *natt.Request) bool {
	m := c.mapping(req, req.ForwardType)
	m.ExternalPort = req.Port
	return c.async(dev, "close", func(ctx context.Context, b Backend) error {
		return b.DeletePortMapping(ctx, dev, m)
	})
}

func (c *Client) mapping(req *natt.Request, fwd natt.ForwardType) Mapping {
	return Mapping{
		InternalClient: append(net.IP(nil), req.IP...),
		InternalPort:   req.InternalPort,
		ExternalPort:   req.InternalPort,
		Protocol:       req.Proto,
		Forward:        fwd,
		Description:    c.config.Description,
		LeaseDuration:  c.config.LeaseDuration,
	}
}

// Close 取消所有进行中的操作
func (c *Client) Close() {
	c.cancel()
}

// session 一次发现的枚举游标
type session struct {
	devices chan *natt.Device
	cancel  context.CancelFunc
	once    sync.Once
}

// Next 实现 natt.Discovery；暂无设备时返回描述为空的占位设备
func (s *session) Next() (*natt.Device, bool) {
	select {
	case dev, ok := <-s.devices:
		if !ok {
			return nil, false
		}
		return dev, true
	default:
		return &natt.Device{}, true
	}
}

// End 实现 natt.Discovery
func (s *session) End() {
	s.once.Do(s.cancel)
}
