package pipeline

import (
	"math"
	"sort"

	"github.com/e1732a364fed/natcap_simple/netLayer"
)

// HookPoint 对应 netfilter 的 ipv4 hook
type HookPoint uint8

const (
	PreRouting HookPoint = iota
	LocalIn
	LocalOut
	PostRouting

	hookPointCount
)

var hookPointNames = [...]string{"pre_routing", "local_in", "local_out", "post_routing"}

func (h HookPoint) String() string {
	if h < hookPointCount {
		return hookPointNames[h]
	}
	return "hook?"
}

// 与 netfilter 的 NF_IP_PRI_* 相同
const (
	PriConntrack = -200
	PriNatDst    = -100
	PriNatSrc    = 100
	PriLast      = math.MaxInt32
)

type hookFunc func(x *pktCtx) netLayer.Verdict

// Hook 是挂在某个 HookPoint 上的一个阶段. 同一点上按 Priority 从小到大执行, 相同时按注册顺序.
type Hook struct {
	Name     string
	Point    HookPoint
	Priority int

	fn hookFunc
}

type hookTable [hookPointCount][]Hook

func (t *hookTable) register(h Hook) {
	l := append(t[h.Point], h)
	sort.SliceStable(l, func(i, j int) bool { return l[i].Priority < l[j].Priority })
	t[h.Point] = l
}

func (t *hookTable) all() (r []Hook) {
	for _, l := range t {
		r = append(r, l...)
	}
	return
}
