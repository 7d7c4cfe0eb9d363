package session

import (
	"fmt"
	"net"

	"netplay-natt/internal/natt"
)

// IsListening 检查本机端口是否已被服务占用
//
// 通过尝试绑定同一端口判断：绑定失败说明已有服务在监听。
func IsListening(proto natt.Protocol, port uint16) bool {
	address := fmt.Sprintf(":%d", port)

	switch proto {
	case natt.ProtocolUDP:
		conn, err := net.ListenPacket("udp", address)
		if err != nil {
			return true
		}
		conn.Close()
	default:
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return true
		}
		listener.Close()
	}
	return false
}
