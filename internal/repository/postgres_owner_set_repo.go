package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresOwnerSetRepo はuser_postsテーブルを扱うリポジトリ。
type PostgresOwnerSetRepo struct {
	db *sql.DB
}

// NewPostgresOwnerSetRepo はPostgresOwnerSetRepoを生成する。
func NewPostgresOwnerSetRepo(db *sql.DB) *PostgresOwnerSetRepo {
	return &PostgresOwnerSetRepo{db: db}
}

// RemovePost はオーナーセットから投稿を取り除く。
func (r *PostgresOwnerSetRepo) RemovePost(ctx context.Context, userID, postID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM user_posts WHERE user_id = $1 AND post_id = $2`,
		userID, postID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove post from owner set: %w", err)
	}
	return nil
}

// PruneStale は投稿が存在しないオーナーセットのエントリを削除する。
func (r *PostgresOwnerSetRepo) PruneStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM user_posts up
		 WHERE NOT EXISTS (SELECT 1 FROM posts p WHERE p.id = up.post_id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale owner set entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ OwnerSetRepository = (*PostgresOwnerSetRepo)(nil)
