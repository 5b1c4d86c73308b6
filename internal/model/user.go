// Package model はドメインモデルを定義する。
package model

import "time"

// DefaultUserStatus はサインアップ直後のユーザーステータス。
const DefaultUserStatus = "I am new!"

// User はサービス利用ユーザーを表す。
// 所有する投稿の集合（オーナーセット）はuser_postsテーブルで別管理する。
type User struct {
	ID           string
	Email        string // 小文字化・トリム済み
	Name         string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Creator は投稿に付随する作成者のサマリー。
type Creator struct {
	ID   string
	Name string
}
