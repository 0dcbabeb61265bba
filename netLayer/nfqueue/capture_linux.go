package nfqueue

import (
	"context"

	"github.com/coreos/go-iptables/iptables"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
	"github.com/florianl/go-nfqueue"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type Capture struct {
	cfg Config
	h   Handler

	nf  *nfqueue.Nfqueue
	ipt *iptables.IPTables

	installed []Rule

	Handled, Errors atomic.Uint64
}

// Open 打开 queue, 需要 CAP_NET_ADMIN. cfg.InstallRules 时同时安装 iptables 规则.
func Open(cfg Config, h Handler) (*Capture, error) {
	if h == nil {
		return nil, utils.ErrNilParameter
	}
	cfg.setDefaults()
	c := &Capture{cfg: cfg, h: h}

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.QueueNum,
		MaxPacketLen: netLayer.MaxPacketLen,
		MaxQueueLen:  cfg.QueueLen,
		AfFamily:     unix.AF_INET,
		Copymode:     nfqueue.NfQnlCopyPacket,
	})
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "nfqueue open failed", ErrDetail: err, Data: cfg.QueueNum}
	}
	c.nf = nf

	if cfg.InstallRules {
		if err := c.installRules(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Capture) installRules() error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "iptables init failed", ErrDetail: err}
	}
	c.ipt = ipt

	for _, r := range Rules(c.cfg) {
		if err := ipt.AppendUnique(r.Table, r.Chain, r.Spec...); err != nil {
			return utils.ErrInErr{ErrDesc: "iptables append failed", ErrDetail: err, Data: r.Table + " " + r.Chain}
		}
		c.installed = append(c.installed, r)

		if ce := utils.CanLogDebug("iptables rule added"); ce != nil {
			ce.Write(zap.String("table", r.Table), zap.String("chain", r.Chain), zap.Strings("spec", r.Spec))
		}
	}
	return nil
}

func (c *Capture) cleanupRules() {
	if c.ipt == nil {
		return
	}
	for _, r := range c.installed {
		ok, err := c.ipt.Exists(r.Table, r.Chain, r.Spec...)
		if err != nil || !ok {
			continue
		}
		if err := c.ipt.Delete(r.Table, r.Chain, r.Spec...); err != nil {
			if ce := utils.CanLogWarn("iptables delete failed"); ce != nil {
				ce.Write(zap.String("table", r.Table), zap.String("chain", r.Chain), zap.Error(err))
			}
		}
	}
	c.installed = nil
}

func toNf(v netLayer.Verdict) int {
	switch v {
	case netLayer.VerdictDrop, netLayer.VerdictStolen:
		//stolen 的包已经由我们自己发出, 对内核来说就是丢弃
		return nfqueue.NfDrop
	}
	return nfqueue.NfAccept
}

func (c *Capture) hook(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	if a.Payload == nil || a.Hook == nil || (a.Mark != nil && *a.Mark == c.cfg.Mark) {
		c.nf.SetVerdict(id, nfqueue.NfAccept)
		return 0
	}

	v, mod := handlePacket(c.h, *a.Hook, *a.Payload)
	c.Handled.Inc()

	var err error
	if mod != nil {
		err = c.nf.SetVerdictModPacket(id, nfqueue.NfAccept, mod)
	} else {
		err = c.nf.SetVerdict(id, toNf(v))
	}
	if err != nil {
		c.Errors.Inc()
		if ce := utils.CanLogDebug("nfqueue set verdict failed"); ce != nil {
			ce.Write(zap.Uint32("id", id), zap.Error(err))
		}
	}
	return 0
}

// Run 开始从 queue 读包, 阻塞直到 ctx 结束.
func (c *Capture) Run(ctx context.Context) error {
	err := c.nf.RegisterWithErrorFunc(ctx, c.hook, func(e error) int {
		c.Errors.Inc()
		if ce := utils.CanLogWarn("nfqueue receive error"); ce != nil {
			ce.Write(zap.Error(e))
		}
		return 0
	})
	if err != nil {
		return utils.ErrInErr{ErrDesc: "nfqueue register failed", ErrDetail: err}
	}

	if ce := utils.CanLogInfo("nfqueue capture started"); ce != nil {
		ce.Write(zap.Uint16("queue", c.cfg.QueueNum), zap.Bool("rules", c.cfg.InstallRules))
	}
	<-ctx.Done()
	return nil
}

func (c *Capture) Close() error {
	c.cleanupRules()
	if c.nf != nil {
		return c.nf.Close()
	}
	return nil
}
