package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/turn/v2"
	"github.com/sirupsen/logrus"
)

const (
	testRealm    = "netplay"
	testUser     = "host"
	testPassword = "secret"
)

// startTURNServer 在回环地址上启动TURN服务器
func startTURNServer(t *testing.T) Server {
	t.Helper()
	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: testRealm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username != testUser {
				return nil, false
			}
			return turn.GenerateAuthKey(testUser, realm, testPassword), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: listener,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: net.ParseIP("127.0.0.1"),
				Address:      "127.0.0.1",
			},
		}},
	})
	if err != nil {
		t.Fatalf("启动TURN服务器失败: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	addr := listener.LocalAddr().(*net.UDPAddr)
	return Server{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Username: testUser,
		Password: testPassword,
		Realm:    testRealm,
	}
}

func newTestAllocator(servers ...Server) *Allocator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewAllocator(Config{Enabled: true, TURNServers: servers}, logger)
}

// startEcho 启动本地UDP回显服务
func startEcho(t *testing.T) uint16 {
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
			conn.WriteTo(buffer[:n], addr)
		}
	}()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestAllocator_NoServers(t *testing.T) {
	a := newTestAllocator()
	if _, err := a.Allocate(context.Background()); !errors.Is(err, ErrNoRelay) {
		t.Errorf("期望 ErrNoRelay，实际 %v", err)
	}
}

func TestAllocator_BadCredentials(t *testing.T) {
	server := startTURNServer(t)
	server.Password = "wrong"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newTestAllocator(server)
	if _, err := a.Allocate(ctx); err == nil {
		t.Error("错误的密码不应分配成功")
	}
}

func TestAllocation_Forward(t *testing.T) {
	server := startTURNServer(t)
	echoPort := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alloc, err := newTestAllocator(server).Allocate(ctx)
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	defer alloc.Close()

	if !alloc.RelayAddr.IP.Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("中继地址错误: %s", alloc.RelayAddr)
	}

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer peer.Close()

	if err := alloc.Permit(peer.LocalAddr()); err != nil {
		t.Fatalf("创建权限失败: %v", err)
	}
	alloc.Forward(ctx, echoPort)

	if _, err := peer.WriteTo([]byte("ping"), alloc.RelayAddr); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buffer := make([]byte, 64)
	n, from, err := peer.ReadFrom(buffer)
	if err != nil {
		t.Fatalf("未收到回显: %v", err)
	}
	if string(buffer[:n]) != "ping" {
		t.Errorf("期望 ping，实际 %q", buffer[:n])
	}
	if from.String() != alloc.RelayAddr.String() {
		t.Errorf("响应应来自中继地址 %s，实际 %s", alloc.RelayAddr, from)
	}

	// Close 可重复调用
	alloc.Close()
	alloc.Close()
}

// ping 从 peer 发送数据到中继地址，返回收到的回显
func ping(peer net.PacketConn, relayAddr net.Addr, timeout time.Duration) (string, error) {
	if _, err := peer.WriteTo([]byte("ping"), relayAddr); err != nil {
		return "", err
	}
	peer.SetReadDeadline(time.Now().Add(timeout))
	buffer := make([]byte, 64)
	n, _, err := peer.ReadFrom(buffer)
	if err != nil {
		return "", err
	}
	return string(buffer[:n]), nil
}

func TestAllocator_Relay(t *testing.T) {
	server := startTURNServer(t)
	echoPort := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listen := func() net.PacketConn {
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("监听失败: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	peer := listen()
	late := listen()

	relayAddr, closer, err := newTestAllocator(server).Relay(ctx, echoPort, peer.LocalAddr())
	if err != nil {
		t.Fatalf("分配中继失败: %v", err)
	}
	defer closer.Close()

	t.Run("授权对端收到回显", func(t *testing.T) {
		got, err := ping(peer, relayAddr, 5*time.Second)
		if err != nil {
			t.Fatalf("未收到回显: %v", err)
		}
		if got != "ping" {
			t.Errorf("期望 ping，实际 %q", got)
		}
	})

	t.Run("未授权对端被丢弃", func(t *testing.T) {
		if _, err := ping(late, relayAddr, 300*time.Millisecond); err == nil {
			t.Error("未授权对端不应收到回显")
		}
	})

	t.Run("之后授权的对端", func(t *testing.T) {
		alloc, ok := closer.(*Allocation)
		if !ok {
			t.Fatalf("期望 *Allocation，实际 %T", closer)
		}
		if err := alloc.Permit(late.LocalAddr()); err != nil {
			t.Fatalf("创建权限失败: %v", err)
		}
		got, err := ping(late, relayAddr, 5*time.Second)
		if err != nil {
			t.Fatalf("未收到回显: %v", err)
		}
		if got != "ping" {
			t.Errorf("期望 ping，实际 %q", got)
		}
	})
}
