//go:build !linux

package nfqueue

import (
	"context"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/atomic"
)

// placeholder for non-linux systems
type Capture struct {
	Handled, Errors atomic.Uint64
}

func Open(cfg Config, h Handler) (*Capture, error) { return nil, utils.ErrUnImplemented }

func (c *Capture) Run(ctx context.Context) error { return utils.ErrUnImplemented }

func (c *Capture) Close() error { return nil }

type Injector struct{}

func NewInjector(mark uint32) (*Injector, error) { return nil, utils.ErrUnImplemented }

func (in *Injector) Output(p *netLayer.Packet) error { return utils.ErrUnImplemented }

func (in *Injector) Close() error { return nil }
