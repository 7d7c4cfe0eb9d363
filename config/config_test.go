package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"netplay-natt/internal/natt"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}

	if cfg.NATT.Port != 55435 {
		t.Errorf("期望默认端口 55435，实际 %d", cfg.NATT.Port)
	}
	if cfg.Protocol() != natt.ProtocolUDP {
		t.Errorf("期望默认协议 UDP，实际 %s", cfg.Protocol())
	}
	if cfg.NATT.PollInterval != 50*time.Millisecond {
		t.Errorf("期望轮询间隔 50ms，实际 %v", cfg.NATT.PollInterval)
	}
	if cfg.NATT.LeaseDuration != 2*time.Hour {
		t.Errorf("期望租期 2h，实际 %v", cfg.NATT.LeaseDuration)
	}
	if !cfg.NATT.UPnP || !cfg.NATT.NATPMP {
		t.Error("默认应启用 UPnP 和 NAT-PMP")
	}
	if !cfg.STUN.Enabled || len(cfg.STUN.Servers) == 0 {
		t.Error("默认应启用STUN并包含服务器")
	}
	if cfg.Relay.Enabled {
		t.Error("默认不应启用中继")
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
natt:
  port: 7000
  protocol: tcp
  operation_timeout: 3s
  natpmp: false
network:
  preferred_interfaces: ["eth1"]
  exclude_interfaces: []
relay:
  enabled: true
  turn_servers:
    - host: turn.example.com
      port: 3478
      username: host
      password: secret
      realm: example.com
log:
  level: debug
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.NATT.Port != 7000 || cfg.Protocol() != natt.ProtocolTCP {
		t.Errorf("端口或协议错误: %d %s", cfg.NATT.Port, cfg.NATT.Protocol)
	}
	if cfg.NATT.OperationTimeout != 3*time.Second {
		t.Errorf("期望操作超时 3s，实际 %v", cfg.NATT.OperationTimeout)
	}
	if cfg.NATT.NATPMP {
		t.Error("NAT-PMP 应被关闭")
	}
	if len(cfg.Network.PreferredInterfaces) != 1 || cfg.Network.PreferredInterfaces[0] != "eth1" {
		t.Errorf("首选接口错误: %v", cfg.Network.PreferredInterfaces)
	}
	if len(cfg.Relay.TURNServers) != 1 || cfg.Relay.TURNServers[0].Addr() != "turn.example.com:3478" {
		t.Errorf("TURN服务器错误: %+v", cfg.Relay.TURNServers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("期望日志级别 debug，实际 %s", cfg.Log.Level)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("NATT_NATT_PORT", "6000")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.NATT.Port != 6000 {
		t.Errorf("环境变量未生效: %d", cfg.NATT.Port)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"端口越界", "natt:\n  port: 70000\n"},
		{"未知协议", "natt:\n  protocol: sctp\n"},
		{"没有后端", "natt:\n  upnp: false\n  natpmp: false\n"},
		{"中继没有服务器", "relay:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.content)); err == nil {
				t.Error("期望返回错误")
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("期望返回错误")
	}
}
