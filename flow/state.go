package flow

import (
	"strings"

	"go.uber.org/atomic"
)

// Decision 是一个流的重定向决定. 只能从 Undecided 变为 Bypass 或 Redirected, 之后不再变化.
type Decision uint32

const (
	Undecided Decision = iota
	Bypass
	Redirected
)

func (d Decision) String() string {
	switch d {
	case Undecided:
		return "undecided"
	case Bypass:
		return "bypass"
	case Redirected:
		return "redirected"
	}
	return "decision?"
}

// RaceState 是 原始流 与 影子流 之间竞速的状态, 只记录在原始流上.
//
//	Idle -> Skipped
//	Idle -> Started -> Won  (直连先回复)
//	                -> Lost (影子先回复)
type RaceState uint32

const (
	RaceIdle RaceState = iota
	RaceSkipped
	RaceStarted
	RaceWon
	RaceLost
)

var raceStateStrs = [...]string{"idle", "skipped", "started", "won", "lost"}

func (r RaceState) String() string {
	if int(r) < len(raceStateStrs) {
		return raceStateStrs[r]
	}
	return "race?"
}

// Decided 表示竞速已经有了结果
func (r RaceState) Decided() bool { return r == RaceWon || r == RaceLost }

var raceTransitions = map[RaceState][]RaceState{
	RaceIdle:    {RaceSkipped, RaceStarted},
	RaceStarted: {RaceWon, RaceLost},
}

func validRaceTransition(from, to RaceState) bool {
	for _, t := range raceTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Flag 是与状态机无关的独立标志位.
type Flag uint32

const (
	FlagEncrypt Flag = 1 << (iota + 8)
	FlagUDPFallback
	FlagSyn1
	FlagSyn2
	FlagSyn3
	FlagRelayAck //udp 流收到了中继的 keep-alive 确认
	FlagShadow   //这是一个影子流
	FlagRaceSyn  //已经处理过第一个 syn
	FlagVoted    //影子流的策略投票已做过
	FlagNATSetup //已有一个包在为这个流设置 dnat
	FlagCodecErr //编解码失败过, 之后不再改动这个流

	flagMask = ^uint32(0xff)
)

var flagNames = []struct {
	f Flag
	n string
}{
	{FlagEncrypt, "enc"},
	{FlagUDPFallback, "udpenc"},
	{FlagSyn1, "syn1"},
	{FlagSyn2, "syn2"},
	{FlagSyn3, "syn3"},
	{FlagRelayAck, "ack"},
	{FlagShadow, "shadow"},
	{FlagRaceSyn, "racesyn"},
	{FlagVoted, "voted"},
	{FlagNATSetup, "natsetup"},
	{FlagCodecErr, "codecerr"},
}

const (
	decisionMask = 0x3
	raceShift    = 2
	raceMask     = 0x7 << raceShift
)

// Status 把 Decision, RaceState 和 Flag 打包进一个 uint32, 所有修改都是 CAS.
//
// 所有操作都不会失败, 只报告之前的状态, 调用者据此实现 "只做一次" 的逻辑.
type Status struct {
	v atomic.Uint32
}

func (s *Status) Load() uint32 { return s.v.Load() }

func (s *Status) Decision() Decision { return Decision(s.v.Load() & decisionMask) }

func (s *Status) Race() RaceState { return RaceState((s.v.Load() & raceMask) >> raceShift) }

func (s *Status) IsBypass() bool { return s.Decision() == Bypass }

func (s *Status) IsRedirected() bool { return s.Decision() == Redirected }

func (s *Status) Test(f Flag) bool { return s.v.Load()&uint32(f) != 0 }

func (s *Status) Set(f Flag) { s.TestAndSet(f) }

// TestAndSet 设置 f, 返回设置前 f 是否已被设置.
func (s *Status) TestAndSet(f Flag) (prev bool) {
	for {
		old := s.v.Load()
		if old&uint32(f) != 0 {
			return true
		}
		if s.v.CompareAndSwap(old, old|uint32(f&Flag(flagMask))) {
			return false
		}
	}
}

// Decide 尝试从 Undecided 变为 d. 只有真正完成这次变化的调用返回 true.
func (s *Status) Decide(d Decision) bool {
	if d != Bypass && d != Redirected {
		return false
	}
	for {
		old := s.v.Load()
		if Decision(old&decisionMask) != Undecided {
			return false
		}
		if s.v.CompareAndSwap(old, old|uint32(d)) {
			return true
		}
	}
}

// Advance 在竞速状态为 from 时把它变为 to. 非法的变化总是返回 false.
func (s *Status) Advance(from, to RaceState) bool {
	if !validRaceTransition(from, to) {
		return false
	}
	for {
		old := s.v.Load()
		if RaceState((old&raceMask)>>raceShift) != from {
			return false
		}
		nv := old&^raceMask | uint32(to)<<raceShift
		if s.v.CompareAndSwap(old, nv) {
			return true
		}
	}
}

func (s *Status) String() string {
	var sb strings.Builder
	sb.WriteString(s.Decision().String())
	sb.WriteString("/")
	sb.WriteString(s.Race().String())
	for _, fn := range flagNames {
		if s.Test(fn.f) {
			sb.WriteString(",")
			sb.WriteString(fn.n)
		}
	}
	return sb.String()
}
