/*
Package codec 实现 伪装头 的编码与解码.

tcp 流把伪装头放在 tcp 选项里 (kind 0x99); 需要时, 已编码的 tcp 段会再被整体伪装成 udp (udp fallback).
udp 流在 udp 头之后插入一个 12字节的地址头. 中继对 udp 流的确认是一个只带魔数的 keep-alive 包.

所有多字节字段都是网络字节序, 任何结构性改动之后都会完整重算校验和.
*/
package codec

import "errors"

const (
	OptKind byte = 0x99

	OptLen    = 4  //kind, len, opcode, flags
	OptLenSyn = 12 //syn 上额外带原目标 ip(4), port(2), 填充(2)

	OptFlagEncrypt byte = 0x01
)

// 客户端发出的选项 opcode
const (
	OpcodeData byte = 0x01
	OpcodeSyn  byte = 0x02
)

const (
	MagicFallback uint32 = 0xFFFF0099
	MagicAddr     uint32 = 0xFFFE0099
	MagicAck      uint32 = 0xFFFE009A

	FallbackLen   = 8
	AddrHeaderLen = 12

	// udp payload 超过这个长度时, 地址头单独用一个探测包发送
	LargeUDPThreshold = 1280
)

// 地址头的 flag
const (
	AddrFlagProbe  uint16 = 1 //单独的探测包, 不带数据
	AddrFlagInline uint16 = 2 //地址头后面跟着原数据
)

var (
	ErrEncodeFailed = errors.New("natcap encode failed")
	ErrDecodeFailed = errors.New("natcap decode failed")
)
