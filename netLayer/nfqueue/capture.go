/*
Package nfqueue 把 linux 的 nfqueue 接到 pipeline 上.

iptables 规则把 tcp/udp 包送进一个 queue, 每个包带着它所在的 netfilter hook 编号;
我们按编号交给 pipeline 对应的 hook 点, 再把 verdict (以及修改后的包) 交还内核.
额外产生的包 (分段, 影子, 探测) 由 Injector 通过 raw socket 发出, 并打上 Mark, 规则据此跳过它们.

只能用于linux, 其它系统上 Open 返回 utils.ErrUnImplemented.
*/
package nfqueue

import (
	"strconv"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/pipeline"
)

// linux netfilter 的 ipv4 hook 编号
const (
	HookPreRouting  uint8 = 0
	HookLocalIn     uint8 = 1
	HookForward     uint8 = 2
	HookLocalOut    uint8 = 3
	HookPostRouting uint8 = 4
)

const (
	DefaultQueueNum = 99
	DefaultQueueLen = 4096
	DefaultMark     = 0x99
)

type Config struct {
	QueueNum uint16
	QueueLen uint32

	// 注入的包带这个 mark
	Mark uint32

	// 启动时安装 iptables 规则, 关闭时删除
	InstallRules bool
}

func (c *Config) setDefaults() {
	if c.QueueNum == 0 {
		c.QueueNum = DefaultQueueNum
	}
	if c.QueueLen == 0 {
		c.QueueLen = DefaultQueueLen
	}
	if c.Mark == 0 {
		c.Mark = DefaultMark
	}
}

// Handler 处理一个 hook 点上的包, *pipeline.Engine 实现了它.
type Handler interface {
	Process(point pipeline.HookPoint, p *netLayer.Packet) netLayer.Verdict
}

var _ Handler = (*pipeline.Engine)(nil)

func PointOf(hook uint8) (pipeline.HookPoint, bool) {
	switch hook {
	case HookPreRouting:
		return pipeline.PreRouting, true
	case HookLocalIn:
		return pipeline.LocalIn, true
	case HookLocalOut:
		return pipeline.LocalOut, true
	case HookPostRouting:
		return pipeline.PostRouting, true
	}
	return 0, false
}

// handlePacket 返回 verdict, 以及修改过时要写回的新包.
//
// 解析失败或不认识的 hook 一律放行, 不能因为我们的原因断网.
func handlePacket(h Handler, hook uint8, raw []byte) (netLayer.Verdict, []byte) {
	pt, ok := PointOf(hook)
	if !ok {
		return netLayer.VerdictAccept, nil
	}
	buf := make([]byte, len(raw), len(raw)+netLayer.DefaultTailroom)
	copy(buf, raw)
	p, err := netLayer.Parse(buf)
	if err != nil {
		return netLayer.VerdictAccept, nil
	}
	v := h.Process(pt, p)
	if v == netLayer.VerdictAcceptModified {
		return v, p.Data
	}
	return v, nil
}

// Rule 是一条 iptables 规则
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

// Rules 返回 cfg 需要的规则. pre_routing/local_out 放在 raw 表, 在内核 conntrack 之前;
// post_routing/local_in 放在 mangle 表.
func Rules(cfg Config) []Rule {
	cfg.setDefaults()
	var rs []Rule
	for _, tc := range [...][2]string{
		{"raw", "PREROUTING"},
		{"raw", "OUTPUT"},
		{"mangle", "POSTROUTING"},
		{"mangle", "INPUT"},
	} {
		for _, proto := range [...]string{"tcp", "udp"} {
			rs = append(rs, Rule{Table: tc[0], Chain: tc[1], Spec: []string{
				"-p", proto,
				"-m", "mark", "!", "--mark", "0x" + strconv.FormatUint(uint64(cfg.Mark), 16),
				"-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(cfg.QueueNum)), "--queue-bypass",
			}})
		}
	}
	return rs
}
