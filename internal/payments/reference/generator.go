// Package reference builds the payment references sent to the gateway.
package reference

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrEntropy       = errors.New("entropy source unavailable")
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Generator composes PLAN_<KEY>_<nanos>_<random> references. The timestamp
// part never repeats within a process even when the wall clock stalls or
// steps backwards.
type Generator struct {
	now    func() time.Time
	random func() (uuid.UUID, error)
	last   atomic.Int64
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now, random: uuid.NewRandom}
}

func (g *Generator) Generate(planKey string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}

	id, err := g.random()
	if err != nil {
		return "", errors.Wrap(ErrEntropy, err.Error())
	}

	return fmt.Sprintf("PLAN_%s_%d_%s", tag(planKey), g.tick(), strings.ReplaceAll(id.String(), "-", "")), nil
}

func (g *Generator) tick() int64 {
	for {
		now := g.now().UnixNano()
		last := g.last.Load()
		if now <= last {
			now = last + 1
		}
		if g.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

func tag(planKey string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(planKey) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "CUSTOM"
	}
	return b.String()
}
