/*
Package netLayer contains definitions in network layer AND transport layer.

本包有 IPv4 数据包的原地读写(Packet), 校验和重算, tcp选项遍历, GSO 分段,
以及基于 cidranger 与 geoip 的 ip 集合(PolicySets)。

本包只支持 IPv4, 所有多字节字段都是网络字节序.

子包 nfqueue 是 linux 下基于 NFQUEUE 的抓包/裁决实现。
*/
package netLayer

import (
	"errors"
	"net/netip"
	"strconv"
)

const (
	ProtoICMP byte = 1
	ProtoTCP  byte = 6
	ProtoUDP  byte = 17
)

var (
	ErrNotIPv4   = errors.New("not an ipv4 packet")
	ErrTruncated = errors.New("packet truncated")
	ErrNoRoom    = errors.New("no room to grow packet")
)

// Tuple 描述一个单向的 五元组
type Tuple struct {
	Proto byte
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

func (t Tuple) Reverse() Tuple {
	return Tuple{Proto: t.Proto, Src: t.Dst, Dst: t.Src}
}

func (t Tuple) String() string {
	return ProtoStr(t.Proto) + " " + t.Src.String() + "->" + t.Dst.String()
}

func ProtoStr(p byte) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	}
	return "proto" + strconv.Itoa(int(p))
}
