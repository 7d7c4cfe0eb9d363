package stunprobe

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// startResponder 在回环地址上启动一个STUN应答器，总是报告 mapped
func startResponder(t *testing.T, mapped *net.UDPAddr) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buffer := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buffer)
			if err != nil {
				return
			}
			var request stun.Message
			if err := stun.Decode(buffer[:n], &request); err != nil {
				continue
			}
			response, err := stun.Build(
				stun.NewTransactionIDSetter(request.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port},
			)
			if err != nil {
				continue
			}
			conn.WriteTo(response.Raw, addr)
		}
	}()

	return conn.LocalAddr().String()
}

// deadServer 返回一个不会应答的地址
func deadServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().String()
}

func newTestProber(servers ...string) *Prober {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewProber(Config{Servers: servers, Timeout: 200 * time.Millisecond}, logger)
}

func TestProber_Query(t *testing.T) {
	server := startResponder(t, &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000})
	p := newTestProber(server)

	m, err := p.Query(context.Background(), server)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if !m.IP.Equal(net.ParseIP("203.0.113.7")) || m.Port != 40000 {
		t.Errorf("映射地址错误: %s:%d", m.IP, m.Port)
	}
}

func TestProber_PublicAddressFallsThrough(t *testing.T) {
	good := startResponder(t, &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000})
	p := newTestProber(deadServer(t), good)

	m, err := p.PublicAddress(context.Background())
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if m.Server != good {
		t.Errorf("期望服务器 %s，实际 %s", good, m.Server)
	}
}

func TestProber_PublicAddressAllFail(t *testing.T) {
	p := newTestProber(deadServer(t))
	if _, err := p.PublicAddress(context.Background()); err == nil {
		t.Error("期望返回错误")
	}
}

func TestProber_Verify(t *testing.T) {
	server := startResponder(t, &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000})
	p := newTestProber(server)

	tests := []struct {
		name      string
		expected  string
		match     bool
		doubleNAT bool
	}{
		{"一致", "203.0.113.7", true, false},
		{"不一致", "198.51.100.1", false, false},
		{"私有地址", "192.168.0.2", false, true},
		{"运营商NAT", "100.72.1.1", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := p.Verify(context.Background(), net.ParseIP(tt.expected))
			if err != nil {
				t.Fatalf("核对失败: %v", err)
			}
			if report.Match != tt.match || report.DoubleNAT != tt.doubleNAT {
				t.Errorf("期望 match=%v doubleNAT=%v，实际 %+v", tt.match, tt.doubleNAT, report)
			}
		})
	}
}

func TestIsPrivate(t *testing.T) {
	tests := map[string]bool{
		"10.1.2.3":    true,
		"172.16.0.1":  true,
		"192.168.1.1": true,
		"100.64.0.1":  true,
		"100.128.0.1": false,
		"8.8.8.8":     false,
		"fe80::1":     false,
	}
	for ip, want := range tests {
		if got := IsPrivate(net.ParseIP(ip)); got != want {
			t.Errorf("IsPrivate(%s) = %v，期望 %v", ip, got, want)
		}
	}
}
