// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 有効期限を過ぎたリフレッシュトークン枠と、保持期間（デフォルト30日）を超過した
// 配信済み・配信失敗のWebhook配信行を定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CleanupJob は期限切れデータの削除ジョブ。
// 各DELETEは冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 配信行の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 30,
	}
}

// Run は期限切れのリフレッシュトークン枠と古い配信行を削除する。
// pendingの配信行は保持期間にかかわらず残す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	slots, err := j.exec(ctx, "refresh_token_slots",
		`DELETE FROM refresh_token_slots WHERE expires_at <= now()`)
	if err != nil {
		return err
	}

	deliveries, err := j.exec(ctx, "webhook_deliveries",
		`DELETE FROM webhook_deliveries
		 WHERE status IN ('delivered', 'failed') AND created_at < now() - $1::interval`,
		fmt.Sprintf("%d days", j.RetentionDays))
	if err != nil {
		return err
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("deleted_refresh_slots", slots),
		slog.Int64("deleted_deliveries", deliveries),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...any) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("cleanup delete failed",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clean up %s: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for %s: %w", table, err)
	}
	return deleted, nil
}
