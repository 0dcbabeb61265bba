package nfqueue

import (
	"net"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

var _ netLayer.PacketOutput = (*Injector)(nil)

// Injector 通过 IP_HDRINCL 的 raw socket 发出完整的 ipv4 包.
type Injector struct {
	pc net.PacketConn
	rc *ipv4.RawConn
}

// NewInjector 发出的包都带 SO_MARK mark.
func NewInjector(mark uint32) (*Injector, error) {
	pc, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "raw socket listen failed", ErrDetail: err}
	}
	in := &Injector{pc: pc}

	if mark != 0 {
		if err := setMark(pc, int(mark)); err != nil {
			pc.Close()
			return nil, err
		}
	}

	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, utils.ErrInErr{ErrDesc: "ipv4.NewRawConn failed", ErrDetail: err}
	}
	in.rc = rc
	return in, nil
}

func setMark(pc net.PacketConn, mark int) error {
	sc, ok := pc.(*net.IPConn)
	if !ok {
		return utils.ErrWrongParameter
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return utils.ErrInErr{ErrDesc: "set SO_MARK failed", ErrDetail: serr, Data: mark}
	}
	return nil
}

func (in *Injector) Output(p *netLayer.Packet) error {
	h, err := ipv4.ParseHeader(p.Data)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "Injector.Output parse header", ErrDetail: err}
	}
	return in.rc.WriteTo(h, p.Data[h.Len:], nil)
}

func (in *Injector) Close() error {
	if in.rc != nil {
		return in.rc.Close()
	}
	return in.pc.Close()
}
