package natt

import (
	"errors"
	"net"
	"testing"
)

func TestMatchingBits(t *testing.T) {
	tests := []struct {
		a, b   string
		expect int
	}{
		{"192.168.1.1", "192.168.1.1", 32},
		{"192.168.1.1", "192.168.1.0", 31},
		{"192.168.1.1", "192.136.0.1", 10},
		{"192.168.1.1", "10.0.0.1", 0},
		{"192.168.1.1", "192.168.2.1", 22},
		{"10.0.0.1", "10.255.0.1", 8},
	}

	for _, test := range tests {
		a := net.ParseIP(test.a).To4()
		b := net.ParseIP(test.b).To4()
		if got := MatchingBits(a, b); got != test.expect {
			t.Errorf("MatchingBits(%s, %s) = %d, 期望 %d", test.a, test.b, got, test.expect)
		}
	}
}

func TestMatchingBits_UnevenLength(t *testing.T) {
	if got := MatchingBits([]byte{0xff, 0xff}, []byte{0xff}); got != 8 {
		t.Errorf("期望 8，实际 %d", got)
	}
	if got := MatchingBits(nil, []byte{0xff}); got != 0 {
		t.Errorf("期望 0，实际 %d", got)
	}
}

func TestFindLocalAddress(t *testing.T) {
	dev := net.ParseIP("192.168.1.1")

	t.Run("选择最长前缀", func(t *testing.T) {
		interfaces := []Interface{
			{Name: "tun0", Host: "10.0.0.1"},
			{Name: "eth1", Host: "192.136.0.1"},
			{Name: "eth0", Host: "192.168.1.1"},
		}
		addr, ok := FindLocalAddress(dev, interfaces, nil)
		if !ok {
			t.Fatal("期望找到地址")
		}
		if !addr.Equal(net.ParseIP("192.168.1.1")) {
			t.Errorf("期望 192.168.1.1，实际 %s", addr)
		}
	})

	t.Run("低于下限", func(t *testing.T) {
		interfaces := []Interface{{Name: "tun0", Host: "10.0.0.1"}}
		if addr, ok := FindLocalAddress(dev, interfaces, nil); ok {
			t.Errorf("期望找不到地址，实际 %s", addr)
		}
	})

	t.Run("恰好一个字节", func(t *testing.T) {
		interfaces := []Interface{{Name: "eth0", Host: "192.0.2.10"}}
		addr, ok := FindLocalAddress(dev, interfaces, nil)
		if !ok || !addr.Equal(net.ParseIP("192.0.2.10")) {
			t.Errorf("期望 192.0.2.10，实际 %s (%v)", addr, ok)
		}
	})

	t.Run("同分保留先出现的接口", func(t *testing.T) {
		interfaces := []Interface{
			{Name: "eth0", Host: "192.168.1.20"},
			{Name: "eth1", Host: "192.168.1.30"},
		}
		addr, ok := FindLocalAddress(dev, interfaces, nil)
		if !ok || !addr.Equal(net.ParseIP("192.168.1.20")) {
			t.Errorf("期望 192.168.1.20，实际 %s", addr)
		}
	})

	t.Run("跳过解析失败的接口", func(t *testing.T) {
		resolver := ResolverFunc(func(host string) (net.IP, error) {
			if host == "broken" {
				return nil, errors.New("解析失败")
			}
			return net.ParseIP(host), nil
		})
		interfaces := []Interface{
			{Name: "bad", Host: "broken"},
			{Name: "eth0", Host: "192.168.1.50"},
		}
		addr, ok := FindLocalAddress(dev, interfaces, resolver)
		if !ok || !addr.Equal(net.ParseIP("192.168.1.50")) {
			t.Errorf("期望 192.168.1.50，实际 %s", addr)
		}
	})

	t.Run("没有接口", func(t *testing.T) {
		if _, ok := FindLocalAddress(dev, nil, nil); ok {
			t.Error("期望找不到地址")
		}
	})

	t.Run("设备地址不是IPv4", func(t *testing.T) {
		interfaces := []Interface{{Name: "eth0", Host: "192.168.1.1"}}
		if _, ok := FindLocalAddress(net.ParseIP("fe80::1"), interfaces, nil); ok {
			t.Error("期望找不到地址")
		}
	})
}

// 前缀更长的接口永远不会输给前缀更短的接口，无论顺序如何
func TestFindLocalAddress_Monotonic(t *testing.T) {
	dev := net.ParseIP("172.16.5.1")
	longer := Interface{Name: "a", Host: "172.16.5.77"}
	shorter := Interface{Name: "b", Host: "172.16.200.1"}

	orders := [][]Interface{
		{longer, shorter},
		{shorter, longer},
	}
	for _, interfaces := range orders {
		addr, ok := FindLocalAddress(dev, interfaces, nil)
		if !ok || !addr.Equal(net.ParseIP(longer.Host)) {
			t.Errorf("期望 %s，实际 %s", longer.Host, addr)
		}
	}
}
