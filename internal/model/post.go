// Package model はドメインモデルを定義する。
package model

import "time"

// Post はユーザーが作成した投稿を表す。
// 作成者(CreatorID)は作成後に変更されない。ImageURLは作成後常に1つの画像を指す。
type Post struct {
	ID        string
	Title     string
	Content   string
	ImageURL  string // 画像アーティファクトの相対パス（例: images/1743836947636-xxx.png）
	CreatorID string
	Creator   Creator // postsとusersのJOINで取得する
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerSetEntry はユーザーのオーナーセットの1要素を表す。
// 投稿の削除途中で失敗した場合、対応する投稿が存在しないエントリが残り得る。
type OwnerSetEntry struct {
	UserID  string
	PostID  string
	Seq     int64
	AddedAt time.Time
}

// PostEventKind は投稿の変更通知の種別を表す。
type PostEventKind string

const (
	// PostEventCreated は投稿の作成を表す。
	PostEventCreated PostEventKind = "created"
	// PostEventUpdated は投稿の更新を表す。
	PostEventUpdated PostEventKind = "updated"
	// PostEventDeleted は投稿の削除を表す。
	PostEventDeleted PostEventKind = "deleted"
)
