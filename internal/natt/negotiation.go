package natt

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Outcome 单次轮询的结果
type Outcome int

const (
	OutcomeRunning Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "running"
	}
}

// Negotiation 端口映射状态机
//
// 每次 Poll 最多推进一步，从不阻塞。当前设备忙碌时 Poll 不做任何事。
// 进入终态后再次 Poll 不会修改任何状态。
type Negotiation struct {
	req        *Request
	client     Client
	driver     discoveryDriver
	interfaces InterfaceLister
	resolver   Resolver
	logger     *logrus.Logger

	outcome Outcome
}

// NewNegotiation 为 req 创建状态机，req.Status 决定从开启链还是关闭链开始
func NewNegotiation(req *Request, client Client, interfaces InterfaceLister, resolver Resolver, logger *logrus.Logger) *Negotiation {
	if resolver == nil {
		resolver = DefaultResolver
	}
	return &Negotiation{
		req:        req,
		client:     client,
		driver:     discoveryDriver{client: client},
		interfaces: interfaces,
		resolver:   resolver,
		logger:     logger,
	}
}

// Request 返回状态机操作的请求
func (n *Negotiation) Request() *Request {
	return n.req
}

// Outcome 返回当前结果
func (n *Negotiation) Outcome() Outcome {
	return n.outcome
}

// device 当前设备：关闭链使用打开时记录的设备
func (n *Negotiation) device() *Device {
	if n.req.Status.IsClosePath() {
		return n.req.Device
	}
	return n.driver.device
}

// Poll 推进一步
func (n *Negotiation) Poll() Outcome {
	if n.outcome != OutcomeRunning {
		return n.outcome
	}

	dev := n.device()
	if dev.Busy() {
		return OutcomeRunning
	}

	req := n.req
	switch req.Status {
	case StatusDiscovery:
		if err := n.driver.start(); err != nil {
			n.logger.WithError(err).Warn("启动网关发现失败")
			return n.finish(false)
		}
		n.transition(StatusSelectDevice)

	case StatusSelectDevice:
		if !n.driver.next() {
			n.driver.end()
			n.logger.Warn("没有可用的网关设备")
			return n.finish(false)
		}
		if !n.driver.ready() {
			break
		}

		dev = n.driver.device
		addr, ok := n.findLocalAddress(dev)
		if !ok {
			n.logger.WithField("device", dev.String()).Debug("设备不在本地网络中，跳过")
			break
		}
		req.IP = addr
		n.logger.WithFields(logrus.Fields{
			"device":     dev.String(),
			"local_addr": addr.String(),
		}).Info("选中网关设备")
		n.transition(StatusQueryDevice)

	case StatusQueryDevice:
		if n.client.QueryDevice(dev) {
			n.transition(StatusExternalAddress)
		} else {
			n.reject(dev, "查询设备失败")
		}

	case StatusExternalAddress:
		if dev.ServiceType == "" {
			n.reject(dev, "设备没有可用的服务")
			break
		}
		if n.client.ExternalAddress(dev) {
			req.ForwardType = ForwardTypeAny
			n.transition(StatusOpen)
		} else {
			n.reject(dev, "请求外部地址失败")
		}

	case StatusOpen:
		if dev.ExtAddr.To4() == nil {
			n.reject(dev, "外部地址不是有效的IPv4地址")
			break
		}
		req.Success = false
		if n.client.OpenPort(dev, req, req.ForwardType) {
			n.transition(StatusOpening)
		} else {
			n.reject(dev, "请求端口映射失败")
		}

	case StatusOpening:
		if req.Success {
			n.driver.end()
			req.IP = append(net.IP(nil), dev.ExtAddr.To4()...)
			req.Device = dev
			n.transition(StatusOpened)
			n.logger.WithFields(logrus.Fields{
				"device":        dev.String(),
				"external_addr": req.Addr(),
				"internal_port": req.InternalPort,
				"protocol":      req.Proto.String(),
				"forward_type":  req.ForwardType.String(),
			}).Info("端口映射成功")
			return n.finish(true)
		}
		if req.ForwardType == ForwardTypeAny {
			n.logger.WithField("device", dev.String()).Debug("任意端口映射失败，改用固定端口")
			req.ForwardType = ForwardTypeNone
			n.transition(StatusOpen)
			break
		}
		n.reject(dev, "端口映射失败")

	case StatusClose:
		n.client.ClosePort(dev, req)
		n.transition(StatusClosing)

	case StatusClosing:
		*req = Request{Status: req.Status}
		n.transition(StatusClosed)
		n.logger.Info("端口映射已关闭")
		return n.finish(true)

	case StatusOpened, StatusClosed:
		return n.finish(true)
	}

	return OutcomeRunning
}

// findLocalAddress 为设备挑选本地接口地址
func (n *Negotiation) findLocalAddress(dev *Device) (net.IP, bool) {
	if n.interfaces == nil {
		return nil, false
	}
	interfaces, err := n.interfaces.Interfaces()
	if err != nil {
		n.logger.WithError(err).Warn("枚举网络接口失败")
		return nil, false
	}
	return FindLocalAddress(dev.Addr, interfaces, n.resolver)
}

func (n *Negotiation) transition(to Status) {
	n.logger.WithFields(logrus.Fields{
		"from": n.req.Status.String(),
		"to":   to.String(),
	}).Debug("状态转换")
	n.req.Status = to
}

// reject 放弃当前设备，回到设备选择
func (n *Negotiation) reject(dev *Device, reason string) {
	n.logger.WithFields(logrus.Fields{
		"device": dev.String(),
		"status": n.req.Status.String(),
	}).Warn(reason)
	n.transition(StatusSelectDevice)
}

func (n *Negotiation) finish(success bool) Outcome {
	if success {
		n.outcome = OutcomeSucceeded
	} else {
		n.outcome = OutcomeFailed
	}
	return n.outcome
}
