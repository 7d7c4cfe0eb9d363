package natt

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
)

// Status 协商状态
type Status int

const (
	StatusDiscovery Status = iota
	StatusSelectDevice
	StatusQueryDevice
	StatusExternalAddress
	StatusOpen
	StatusOpening
	StatusOpened
	StatusClose
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDiscovery:
		return "discovery"
	case StatusSelectDevice:
		return "select_device"
	case StatusQueryDevice:
		return "query_device"
	case StatusExternalAddress:
		return "external_address"
	case StatusOpen:
		return "open"
	case StatusOpening:
		return "opening"
	case StatusOpened:
		return "opened"
	case StatusClose:
		return "close"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsClosePath 是否处于关闭链
func (s Status) IsClosePath() bool {
	return s >= StatusClose
}

// ForwardType 转发策略
type ForwardType int

const (
	ForwardTypeUnset ForwardType = iota
	// ForwardTypeAny 由网关选择外部端口
	ForwardTypeAny
	// ForwardTypeNone 外部端口必须与内部端口一致
	ForwardTypeNone
)

func (f ForwardType) String() string {
	switch f {
	case ForwardTypeAny:
		return "any"
	case ForwardTypeNone:
		return "none"
	default:
		return "unset"
	}
}

// Protocol 传输协议
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

// ParseProtocol 解析协议名称
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return ProtocolUnknown, fmt.Errorf("不支持的协议: %s", s)
	}
}

// String 返回UPnP使用的大写协议名
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

// Family 地址族
type Family int

const (
	FamilyUnspec Family = iota
	FamilyIPv4
)

// Device 网关设备
//
// Desc、ServiceType、ExtAddr 由客户端的异步操作写入。客户端在清除忙碌标志之前
// 完成写入，轮询方只在 Busy 返回 false 之后读取这些字段。
type Device struct {
	Desc        string
	ServiceType string
	Addr        net.IP
	ExtAddr     net.IP

	// Handle 归属于发现该设备的后端
	Handle interface{}

	busy atomic.Bool
}

// Busy 是否有未完成的异步操作
func (d *Device) Busy() bool {
	return d != nil && d.busy.Load()
}

// SetBusy 设置忙碌标志，仅由客户端调用
func (d *Device) SetBusy(busy bool) {
	d.busy.Store(busy)
}

// String 返回设备的简短描述
func (d *Device) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", d.Desc, d.Addr)
}

// Request 端口映射请求，跨轮询保存协商状态
//
// 成功后 IP 与 Port 为外部可达地址；InternalPort 始终为本地服务端口。
type Request struct {
	Family       Family
	IP           net.IP
	Port         uint16
	InternalPort uint16
	Proto        Protocol

	Device      *Device
	ForwardType ForwardType
	Status      Status

	// Success 由打开端口的异步操作写入
	Success bool
}

// Addr 返回请求当前的地址字符串
func (r *Request) Addr() string {
	return net.JoinHostPort(r.IP.String(), fmt.Sprintf("%d", r.Port))
}

// closable 检查请求是否可以进入关闭链
func (r *Request) closable() error {
	switch {
	case r.Status != StatusOpened:
		return fmt.Errorf("映射未打开: %s", r.Status)
	case r.Family != FamilyIPv4:
		return fmt.Errorf("地址族无效")
	case r.Port == 0:
		return fmt.Errorf("端口无效")
	case r.Proto != ProtocolTCP && r.Proto != ProtocolUDP:
		return fmt.Errorf("协议无效: %s", r.Proto)
	case r.Device == nil:
		return fmt.Errorf("缺少设备")
	}
	return nil
}
