// Package session 为联机主机公布可达地址
//
// 主机先尝试通过网关建立端口映射，成功后可用STUN核对外部地址；
// 映射失败时改用TURN中继。
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"netplay-natt/internal/natt"
	"netplay-natt/internal/stunprobe"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnreachable 端口映射和中继都不可用
	ErrUnreachable = errors.New("无法建立可达地址")
	// ErrQueueBusy 无法提交NAT任务
	ErrQueueBusy = errors.New("无法提交NAT任务")
	// ErrNotAnnounced 尚未公布地址
	ErrNotAnnounced = errors.New("尚未公布地址")
	// ErrAlreadyAnnounced 已经公布地址，需要先 Shutdown
	ErrAlreadyAnnounced = errors.New("已经公布地址")
)

// progressInterval 进度回调的采样间隔
const progressInterval = 100 * time.Millisecond

// EndpointKind 可达地址的来源
type EndpointKind string

const (
	KindPortMapping EndpointKind = "port_mapping"
	KindRelay       EndpointKind = "relay"
)

// Endpoint 对端可以连接的地址
type Endpoint struct {
	Kind   EndpointKind
	Addr   string
	Device string
	// Report STUN核对结果，未启用时为 nil
	Report *stunprobe.Report
}

// Verifier 核对外部地址
type Verifier interface {
	Verify(ctx context.Context, expected net.IP) (*stunprobe.Report, error)
}

// Relayer 分配中继，为 peers 创建权限并转发到本地端口
type Relayer interface {
	Relay(ctx context.Context, localPort uint16, peers ...net.Addr) (net.Addr, io.Closer, error)
}

// permitter 可以在分配之后追加授权对端的中继
type permitter interface {
	Permit(peers ...net.Addr) error
}

// Options 主机选项
type Options struct {
	Traversal *natt.Traversal
	Protocol  natt.Protocol
	// Verifier 为 nil 时不核对外部地址
	Verifier Verifier
	// Relayer 为 nil 时不使用中继
	Relayer Relayer
	// Peers 中继分配时授权的对端
	Peers []net.Addr
	// OnProgress 等待NAT任务时报告进度（0-100），在调用 Announce 的 goroutine 中执行
	OnProgress func(percent int)
}

// Host 联机主机
type Host struct {
	opts   Options
	logger *logrus.Logger

	mutex    sync.Mutex
	endpoint *Endpoint
	relay    io.Closer
	// closing 已入队但未等到结束的关闭任务
	closing *natt.Pending
}

// NewHost 创建主机
func NewHost(opts Options, logger *logrus.Logger) *Host {
	if opts.Protocol == natt.ProtocolUnknown {
		opts.Protocol = natt.ProtocolTCP
	}
	return &Host{opts: opts, logger: logger}
}

// Endpoint 返回已公布的地址
func (h *Host) Endpoint() *Endpoint {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.endpoint
}

// Announce 为本地端口建立可达地址；已公布时返回 ErrAlreadyAnnounced
func (h *Host) Announce(ctx context.Context, port uint16) (*Endpoint, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.endpoint != nil {
		return nil, ErrAlreadyAnnounced
	}

	if !IsListening(h.opts.Protocol, port) {
		h.logger.WithFields(logrus.Fields{
			"port":     port,
			"protocol": h.opts.Protocol.String(),
		}).Warn("本地端口上没有服务在监听")
	}

	pending, ok := h.opts.Traversal.Start(ctx, port)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrQueueBusy
	}
	if err := h.wait(ctx, pending); err != nil {
		return nil, err
	}

	req := pending.Request()
	if req.Status == natt.StatusOpened {
		ep := &Endpoint{
			Kind:   KindPortMapping,
			Addr:   req.Addr(),
			Device: req.Device.Desc,
		}
		if h.opts.Verifier != nil {
			report, err := h.opts.Verifier.Verify(ctx, req.IP)
			if err != nil {
				h.logger.WithError(err).Warn("STUN核对外部地址失败")
			}
			ep.Report = report
		}
		h.endpoint = ep
		return ep, nil
	}

	h.logger.WithField("status", req.Status.String()).Warn("端口映射失败")
	return h.fallback(ctx, port)
}

// fallback 使用中继
func (h *Host) fallback(ctx context.Context, port uint16) (*Endpoint, error) {
	if h.opts.Relayer == nil {
		return nil, ErrUnreachable
	}
	if h.opts.Protocol != natt.ProtocolUDP {
		h.logger.WithField("protocol", h.opts.Protocol.String()).Warn("TURN中继只支持UDP")
		return nil, ErrUnreachable
	}

	addr, closer, err := h.opts.Relayer.Relay(ctx, port, h.opts.Peers...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	h.relay = closer
	h.endpoint = &Endpoint{Kind: KindRelay, Addr: addr.String()}
	h.logger.WithField("relay_addr", addr.String()).Info("使用TURN中继")
	return h.endpoint, nil
}

// Permit 授权对端通过中继连接；端口映射不需要授权
func (h *Host) Permit(peers ...net.Addr) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.endpoint == nil {
		return ErrNotAnnounced
	}
	if h.endpoint.Kind != KindRelay {
		return nil
	}
	p, ok := h.relay.(permitter)
	if !ok {
		return errors.New("中继不支持追加授权")
	}
	return p.Permit(peers...)
}

// Shutdown 关闭端口映射或释放中继，失败时保留地址以便重试
func (h *Host) Shutdown(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.endpoint == nil {
		return ErrNotAnnounced
	}

	if h.endpoint.Kind == KindRelay {
		if err := h.relay.Close(); err != nil {
			return err
		}
		h.relay = nil
		h.endpoint = nil
		return nil
	}

	pending := h.closing
	if pending == nil {
		var ok bool
		pending, ok = h.opts.Traversal.Close(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("端口映射无法关闭")
		}
		h.closing = pending
	}
	if err := h.wait(ctx, pending); err != nil {
		return err
	}

	h.closing = nil
	h.endpoint = nil
	h.logger.Info("已关闭端口映射")
	return nil
}

// wait 等待NAT任务结束，期间按间隔报告进度
func (h *Host) wait(ctx context.Context, pending *natt.Pending) error {
	if h.opts.OnProgress == nil {
		return pending.Wait(ctx)
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	last := -1
	report := func() {
		if p := pending.Progress(); p != last {
			last = p
			h.opts.OnProgress(p)
		}
	}
	for {
		select {
		case <-pending.Done():
			report()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report()
		}
	}
}
