// Package cleanup はメンテナンスジョブを提供する。
// 投稿削除の途中失敗で残ったオーナーセットのエントリと、
// どの投稿からも参照されなくなった画像アーティファクトを定期的に削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/livefeed/internal/image"
)

// OwnerSetPruner は投稿が存在しないオーナーセットのエントリを削除する。
type OwnerSetPruner interface {
	PruneStale(ctx context.Context) (int64, error)
}

// ArtifactStore は画像アーティファクトの列挙と解放を行う。
type ArtifactStore interface {
	List() ([]image.Artifact, error)
	Release(path string)
}

// ReferenceChecker は画像が投稿から参照されているかを返す。
type ReferenceChecker interface {
	IsImageReferenced(ctx context.Context, path string) (bool, error)
}

// Recorder はジョブ1回分の削除件数を記録する。
type Recorder interface {
	RecordCleanupRun(staleEntries, orphanArtifacts int)
}

// Result はジョブ1回分の結果。
type Result struct {
	StaleEntries    int64
	OrphanArtifacts int
}

// CleanupJob はオーナーセットと画像アーティファクトの掃除を行う。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	owners     OwnerSetPruner
	artifacts  ArtifactStore
	references ReferenceChecker
	logger     *slog.Logger
	recorder   Recorder
	now        func() time.Time

	// GracePeriod より新しいアーティファクトは未参照でも削除しない。
	// 事前アップロードから投稿更新までの間に消さないための猶予。
	GracePeriod time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの猶予期間は1時間。
func NewCleanupJob(
	owners OwnerSetPruner,
	artifacts ArtifactStore,
	references ReferenceChecker,
	logger *slog.Logger,
) *CleanupJob {
	return &CleanupJob{
		owners:      owners,
		artifacts:   artifacts,
		references:  references,
		logger:      logger,
		now:         time.Now,
		GracePeriod: time.Hour,
	}
}

// SetRecorder は削除件数の記録先を設定する。
func (j *CleanupJob) SetRecorder(r Recorder) {
	j.recorder = r
}

// Start は指定間隔でジョブを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("grace_period", j.GracePeriod),
	)

	j.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

// Run はオーナーセットの掃除と未参照画像の削除を1回実行する。
// 片方が失敗してももう片方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	stale, pruneErr := j.owners.PruneStale(ctx)
	if pruneErr != nil {
		pruneErr = fmt.Errorf("オーナーセットの掃除に失敗: %w", pruneErr)
	}
	result.StaleEntries = stale

	orphans, sweepErr := j.sweepArtifacts(ctx)
	result.OrphanArtifacts = orphans

	if j.recorder != nil {
		j.recorder.RecordCleanupRun(int(result.StaleEntries), result.OrphanArtifacts)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("stale_entries", result.StaleEntries),
		slog.Int("orphan_artifacts", result.OrphanArtifacts),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, errors.Join(pruneErr, sweepErr)
}

// sweepArtifacts は猶予期間を過ぎた未参照アーティファクトを解放する。
func (j *CleanupJob) sweepArtifacts(ctx context.Context) (int, error) {
	artifacts, err := j.artifacts.List()
	if err != nil {
		return 0, fmt.Errorf("アーティファクト一覧の取得に失敗: %w", err)
	}

	cutoff := j.now().Add(-j.GracePeriod)
	removed := 0
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if a.ModTime.After(cutoff) {
			continue
		}
		referenced, err := j.references.IsImageReferenced(ctx, a.Path)
		if err != nil {
			return removed, fmt.Errorf("参照確認に失敗: %s: %w", a.Path, err)
		}
		if referenced {
			continue
		}
		j.artifacts.Release(a.Path)
		removed++
	}
	return removed, nil
}

func (j *CleanupJob) runAndLog(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
