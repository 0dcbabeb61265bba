/*
Package flow 是 连接跟踪 相关的定义.

每条流的所有状态(Status)都是原子的, 多个包可以并发处理同一条流.
Tracker 是连接跟踪层的接口, Table 是它的一个内存实现.
*/
package flow

import (
	"errors"
	"net/netip"

	"github.com/e1732a364fed/natcap_simple/netLayer"
)

var ErrCreateFailed = errors.New("flow create failed")

// Tracker 是 连接跟踪层.
//
// Create 出的流在 Confirm 之前对 Lookup 不可见.
type Tracker interface {
	Lookup(p *netLayer.Packet) (*Conn, Dir)
	Create(p *netLayer.Packet) (*Conn, error)
	Confirm(c *Conn) error

	Acquire(c *Conn) bool
	Release(c *Conn)

	// SetDNAT 改写 c 原方向的目标, 回复方向随之变化.
	SetDNAT(c *Conn, to netip.AddrPort) error

	// Translate 像内核 nat 一样对 p 应用 c 的地址改写, 返回是否修改了 p.
	Translate(p *netLayer.Packet, c *Conn, d Dir) bool
}
