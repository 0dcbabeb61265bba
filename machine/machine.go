/*
Package machine 定义一个 可以直接运行的有限状态机；这个机器可以直接被可执行文件或者动态库所使用.

machine 把 中继池, 策略集合, 流表, pipeline, nfqueue 包装起来，对外像一个黑盒子。

关键点是不使用任何静态变量，所有变量都放在machine中。
*/
package machine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/e1732a364fed/natcap_simple/flow"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/netLayer/nfqueue"
	"github.com/e1732a364fed/natcap_simple/pipeline"
	"github.com/e1732a364fed/natcap_simple/relay"
	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const flowSweepInterval = 30 * time.Second

var errNotRunning = utils.ErrInErr{ErrDesc: "machine not running", ErrDetail: utils.ErrUnImplemented}

type M struct {
	ApiServerConf
	sync.RWMutex

	callbacks

	conf NatcapConf

	Pool   *relay.Pool
	Policy *netLayer.PolicySets
	Table  *flow.Table
	Engine *pipeline.Engine

	ApiServerRunning bool

	capture  *nfqueue.Capture
	injector atomic.Pointer[nfqueue.Injector]
	cancel   context.CancelFunc
	running  bool
}

func New() *M {
	m := new(M)
	m.Pool = relay.NewPool()
	m.Policy = netLayer.NewPolicySets()
	m.Table = flow.NewTable()
	m.ApiServerConf.setDefaults()
	return m
}

// output 把 pipeline 额外产生的包交给 injector; 未运行时返回错误, 包被丢弃.
func (m *M) output(p *netLayer.Packet) error {
	in := m.injector.Load()
	if in == nil {
		return errNotRunning
	}
	return in.Output(p)
}

// Setup 用已加载的配置创建 Engine 并装入 中继 与 策略. 返回遇到的最后一个错误, 其余的只打日志.
func (m *M) Setup() (err error) {
	ac := m.conf.AppConf

	cfg, e := ac.engineConfig()
	if e != nil {
		return e
	}
	if ac != nil && ac.FlowIdleTimeout != nil && *ac.FlowIdleTimeout > 0 {
		m.Table.IdleTimeout = time.Duration(*ac.FlowIdleTimeout) * time.Second
	}

	m.Lock()
	m.Engine = pipeline.New(cfg, m.Pool, m.Table, m.Policy, netLayer.PacketOutputFunc(m.output))
	if ac != nil && ac.Disabled {
		m.Engine.SetEnabled(false)
	}
	m.Unlock()

	for _, rc := range m.conf.Relays {
		if e := m.AddRelay(rc.Addr); e != nil {
			if ce := utils.CanLogErr("load relay failed"); ce != nil {
				ce.Write(zap.String("addr", rc.Addr), zap.Error(e))
			}
			err = e
		}
	}

	if e := m.loadPolicy(m.conf.Policy); e != nil {
		err = e
	}

	if ce := utils.CanLogInfo("machine setup"); ce != nil {
		ce.Write(zap.String("encode_mode", cfg.EncodeMode), zap.Int("relays", m.Pool.Len()), zap.Bool("enabled", m.Engine.Enabled()))
	}
	return
}

func (m *M) IsRunning() bool {
	m.RLock()
	defer m.RUnlock()
	return m.running
}

// Start 打开 injector 和 nfqueue, 开始处理包. 非阻塞; ctx 结束或调用 Stop 时停止.
func (m *M) Start(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()

	if m.running {
		return nil
	}
	if m.Engine == nil {
		return utils.ErrInErr{ErrDesc: "machine Start called before Setup", ErrDetail: utils.ErrNilParameter}
	}

	capCfg, err := m.conf.NfqueueConf.captureConfig()
	if err != nil {
		return err
	}
	mark := capCfg.Mark
	if mark == 0 {
		mark = nfqueue.DefaultMark
	}

	utils.Info("Starting...")

	in, err := nfqueue.NewInjector(mark)
	if err != nil {
		return err
	}
	m.injector.Store(in)

	capture, err := nfqueue.Open(capCfg, m.Engine)
	if err != nil {
		m.injector.Store(nil)
		in.Close()
		return err
	}
	m.capture = capture

	ctx, m.cancel = context.WithCancel(ctx)
	m.Table.StartCleanup(ctx, flowSweepInterval)

	go func() {
		if err := capture.Run(ctx); err != nil {
			if ce := utils.CanLogErr("nfqueue stopped"); ce != nil {
				ce.Write(zap.Error(err))
			}
		}
	}()

	m.running = true
	m.callToggleCallback(1)
	return nil
}

// Stop 关闭 nfqueue (并删除安装的 iptables 规则) 和 injector.
func (m *M) Stop() {
	m.Lock()
	defer m.Unlock()
	if !m.running {
		return
	}
	utils.Info("Stopping...")

	m.running = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.capture != nil {
		m.capture.Close()
		m.capture = nil
	}
	if in := m.injector.Swap(nil); in != nil {
		in.Close()
	}
	m.callToggleCallback(0)
}

// SetEnabled 全局开关. 关闭时所有包原样放行.
func (m *M) SetEnabled(b bool) {
	m.RLock()
	e := m.Engine
	m.RUnlock()
	if e == nil {
		return
	}
	e.SetEnabled(b)

	if ce := utils.CanLogInfo("engine toggled"); ce != nil {
		ce.Write(zap.Bool("enabled", b))
	}
	m.callUpdatedCallback()
}

// State 是 api server stats 的返回内容
type State struct {
	Running bool   `json:"running"`
	Enabled bool   `json:"enabled"`
	Flows   int    `json:"flows"`
	Relays  int    `json:"relays"`
	TxBytes uint64 `json:"tx_bytes"`
	RxBytes uint64 `json:"rx_bytes"`

	RaceSpawned uint64 `json:"race_spawned"`
	RaceSkipped uint64 `json:"race_skipped"`
	RaceWon     uint64 `json:"race_direct_won"`
	RaceLost    uint64 `json:"race_direct_lost"`
	RSTDrop     uint64 `json:"race_rst_drop"`

	Captured uint64 `json:"captured,omitempty"`
}

func (m *M) State() (s State) {
	m.RLock()
	defer m.RUnlock()

	s.Running = m.running
	s.Flows = m.Table.Len()
	s.Relays = m.Pool.Len()
	if m.Engine != nil {
		s.Enabled = m.Engine.Enabled()
		st := m.Engine.Stats()
		s.TxBytes = st.TxBytes
		s.RxBytes = st.RxBytes
		s.RaceSpawned = st.Race.Spawned
		s.RaceSkipped = st.Race.Skipped
		s.RaceWon = st.Race.Won
		s.RaceLost = st.Race.Lost
		s.RSTDrop = st.Race.RSTDrop
	}
	if m.capture != nil {
		s.Captured = m.capture.Handled.Load()
	}
	return
}

func (m *M) PrintAllState(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	s := m.State()
	fmt.Fprintln(w, "running", s.Running)
	fmt.Fprintln(w, "enabled", s.Enabled)
	fmt.Fprintln(w, "flowCount", s.Flows)
	fmt.Fprintln(w, "txBytesSinceStart", s.TxBytes)
	fmt.Fprintln(w, "rxBytesSinceStart", s.RxBytes)
	fmt.Fprintln(w, "race spawned", s.RaceSpawned, "skipped", s.RaceSkipped, "directWon", s.RaceWon, "directLost", s.RaceLost, "rstDrop", s.RSTDrop)

	for i, r := range m.Pool.List() {
		fmt.Fprintln(w, "relay", i, r.String())
	}
	for _, name := range m.Policy.Names() {
		if set := m.Policy.Get(name); set != nil {
			fmt.Fprintln(w, "policy", name, set.Len())
		}
	}
}
