package credentials

import (
	"fmt"
	"sync/atomic"

	"github.com/basket/authcore/internal/apperr"
)

// Kind names an exclusive credential mutation.
type Kind int32

const (
	KindNone Kind = iota
	KindRefresh
	KindSignIn
	KindRegister
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRefresh:
		return "refresh"
	case KindSignIn:
		return "sign_in"
	case KindRegister:
		return "register"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// gate is a single-slot marker: at most one Kind other than KindNone is
// pending at any moment.
type gate struct {
	pending atomic.Int32
}

func (g *gate) begin(kind Kind) error {
	if kind == KindNone {
		return fmt.Errorf("begin exclusive operation: kind %s is not an operation", kind)
	}
	for {
		if g.pending.CompareAndSwap(int32(KindNone), int32(kind)) {
			return nil
		}
		running := Kind(g.pending.Load())
		if running != KindNone {
			return &apperr.ConflictError{Running: running.String(), Attempted: kind.String()}
		}
	}
}

func (g *gate) end(kind Kind) {
	if kind == KindNone {
		return
	}
	if !g.pending.CompareAndSwap(int32(kind), int32(KindNone)) {
		panic(fmt.Sprintf("credentials: ending %s but %s is pending", kind, Kind(g.pending.Load())))
	}
}

func (g *gate) current() Kind {
	return Kind(g.pending.Load())
}
