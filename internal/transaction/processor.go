package transaction

import (
	"context"
	"math/rand/v2"

	"github.com/hitoshi/paygate/internal/model"
)

// PaymentProcessor は取引の決済を実行し、結果のステータスを返す。
// 返すステータスはsuccessかfailedのいずれか。
type PaymentProcessor interface {
	Process(ctx context.Context, tx *model.Transaction) (model.TransactionStatus, error)
}

// SimulatedProcessor は決済ネットワークの代わりに一定の確率で成功を返す。
type SimulatedProcessor struct {
	successRate float64
	draw        func() float64
}

// NewSimulatedProcessor はsuccessRate（0〜1）の確率で成功するSimulatedProcessorを生成する。
func NewSimulatedProcessor(successRate float64) *SimulatedProcessor {
	return &SimulatedProcessor{successRate: successRate, draw: rand.Float64}
}

// Process は乱数で成否を決める。
func (p *SimulatedProcessor) Process(ctx context.Context, _ *model.Transaction) (model.TransactionStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.draw() < p.successRate {
		return model.TransactionStatusSuccess, nil
	}
	return model.TransactionStatusFailed, nil
}

// compile-time interface check
var _ PaymentProcessor = (*SimulatedProcessor)(nil)
