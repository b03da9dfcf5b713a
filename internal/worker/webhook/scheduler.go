// Package webhook はWebhookアウトボックスのバックグラウンド配信を提供する。
// スケジューラ、ディスパッチャー、リトライ/バックオフ戦略を含む。
package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/repository"
)

// DeliveryDispatcher は1件の配信を実行するインターフェース。
type DeliveryDispatcher interface {
	Dispatch(ctx context.Context, delivery *model.WebhookDelivery) error
}

// Scheduler は配信期限に達したアウトボックス行を定期的に取得し、
// semaphoreパターンで最大並列数を制御しながら配信する。
type Scheduler struct {
	deliveries     repository.WebhookDeliveryRepository
	dispatcher     DeliveryDispatcher
	logger         *slog.Logger
	maxConcurrency int
	batchSize      int
	lease          time.Duration
}

// NewScheduler はSchedulerを生成する。
// maxConcurrencyが0以下の場合は5、batchSizeが0以下の場合は50を使用する。
// leaseは取得した行を他のワーカーから隠す時間で、1回の配信のタイムアウトより長くする。
func NewScheduler(
	deliveries repository.WebhookDeliveryRepository,
	dispatcher DeliveryDispatcher,
	logger *slog.Logger,
	maxConcurrency int,
	batchSize int,
	lease time.Duration,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Scheduler{
		deliveries:     deliveries,
		dispatcher:     dispatcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchSize:      batchSize,
		lease:          lease,
	}
}

// Start はinterval間隔でRunOnceを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("webhook dispatcher started",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("webhook dispatcher stopped")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("webhook dispatch cycle failed",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は配信期限に達した行を1回取得し、並列で配信する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	// FOR UPDATE SKIP LOCKEDで取得し、leaseの間は他のワーカーから見えなくなる
	deliveries, err := s.deliveries.ClaimDue(ctx, s.batchSize, s.lease)
	if err != nil {
		return err
	}

	if len(deliveries) == 0 {
		s.logger.Debug("no webhook deliveries due")
		return nil
	}

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, delivery := range deliveries {
		wg.Add(1)
		sem <- struct{}{}

		go func(d *model.WebhookDelivery) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.dispatcher.Dispatch(ctx, d); err != nil {
				s.logger.Error("webhook dispatch failed",
					slog.String("delivery_id", d.ID),
					slog.String("error", err.Error()),
				)
			}
		}(delivery)
	}

	wg.Wait()

	s.logger.Info("webhook dispatch cycle completed",
		slog.Int("delivery_count", len(deliveries)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
