package natt

import (
	"net"
)

// minScore 最低匹配位数，不足一个字节视为不在同一网络
const minScore = 8

// Resolver 将接口地址字符串解析为IPv4地址
type Resolver interface {
	Resolve(host string) (net.IP, error)
}

// ResolverFunc 函数形式的 Resolver
type ResolverFunc func(host string) (net.IP, error)

// Resolve 实现 Resolver
func (f ResolverFunc) Resolve(host string) (net.IP, error) {
	return f(host)
}

// DefaultResolver 使用系统解析器，只接受IPv4
var DefaultResolver Resolver = ResolverFunc(func(host string) (net.IP, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, err
	}
	return addr.IP, nil
})

// MatchingBits 计算两个字节序列从高位开始相同的位数，遇到第一个不同位停止
func MatchingBits(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	score := 0
	for i := 0; i < n; i++ {
		for k := 0; k < 8; k++ {
			mask := byte(0x80) >> k
			if a[i]&mask != b[i]&mask {
				return score
			}
			score++
		}
	}
	return score
}

// FindLocalAddress 在主机接口中选出与设备地址前缀最接近的地址
//
// 解析失败的接口被跳过；分数相同时保留最先出现的接口；最高分低于8位时返回 false。
func FindLocalAddress(dev net.IP, interfaces []Interface, resolver Resolver) (net.IP, bool) {
	dev4 := dev.To4()
	if dev4 == nil || len(interfaces) == 0 {
		return nil, false
	}
	if resolver == nil {
		resolver = DefaultResolver
	}

	addrs := make([]net.IP, len(interfaces))
	scores := make([]int, len(interfaces))

	for i, iface := range interfaces {
		ip, err := resolver.Resolve(iface.Host)
		if err != nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		addrs[i] = ip4
		scores[i] = MatchingBits(dev4, ip4)
	}

	best, highest := -1, 0
	for i, score := range scores {
		if score > highest {
			highest = score
			best = i
		}
	}
	if best < 0 || highest < minScore {
		return nil, false
	}

	return append(net.IP(nil), addrs[best]...), true
}
