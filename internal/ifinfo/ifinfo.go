// Package ifinfo 枚举主机网络接口
package ifinfo

import (
	"fmt"
	"net"
	"strings"

	"netplay-natt/internal/natt"

	"github.com/sirupsen/logrus"
)

// Config 接口过滤配置，按名称前缀匹配
type Config struct {
	PreferredInterfaces []string `mapstructure:"preferred_interfaces"`
	ExcludeInterfaces   []string `mapstructure:"exclude_interfaces"`
}

// Lister 实现 natt.InterfaceLister
//
// 首选接口排在前面，评分相同时优先被选中；排除的接口不会出现在结果中。
type Lister struct {
	config Config
	logger *logrus.Logger

	// 可替换的系统接口来源
	interfaces func() ([]net.Interface, error)
	addrs      func(iface net.Interface) ([]net.Addr, error)
}

var _ natt.InterfaceLister = (*Lister)(nil)

// NewLister 创建接口枚举器
func NewLister(config Config, logger *logrus.Logger) *Lister {
	return &Lister{
		config:     config,
		logger:     logger,
		interfaces: net.Interfaces,
		addrs: func(iface net.Interface) ([]net.Addr, error) {
			return iface.Addrs()
		},
	}
}

// Interfaces 返回已启用接口的IPv4地址，每个地址一项
func (l *Lister) Interfaces() ([]natt.Interface, error) {
	ifaces, err := l.interfaces()
	if err != nil {
		return nil, fmt.Errorf("枚举网络接口失败: %w", err)
	}

	var preferred, others []natt.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if hasPrefix(iface.Name, l.config.ExcludeInterfaces) {
			l.logger.WithField("interface", iface.Name).Debug("跳过排除的接口")
			continue
		}

		addrs, err := l.addrs(iface)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"interface": iface.Name,
				"error":     err,
			}).Debug("读取接口地址失败")
			continue
		}

		for _, addr := range addrs {
			ip := addrIP(addr)
			if ip == nil || ip.To4() == nil {
				continue
			}
			entry := natt.Interface{Name: iface.Name, Host: ip.To4().String()}
			if hasPrefix(iface.Name, l.config.PreferredInterfaces) {
				preferred = append(preferred, entry)
			} else {
				others = append(others, entry)
			}
		}
	}

	return append(preferred, others...), nil
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
