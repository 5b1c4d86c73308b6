package auth

// Identity はリクエストの認証結果を表す。
// 未認証の場合はAnonymousを使い、ゼロ値と区別せずに扱えるようにする。
type Identity struct {
	UserID        string
	Email         string
	Authenticated bool
}

// Anonymous は未認証リクエストを表す明示的なマーカー。
var Anonymous = Identity{}

// NewIdentity は検証済みのsubjectからIdentityを生成する。
func NewIdentity(subject TokenSubject) Identity {
	return Identity{
		UserID:        subject.UserID,
		Email:         subject.Email,
		Authenticated: true,
	}
}

// IsAnonymous は未認証かどうかを返す。
func (i Identity) IsAnonymous() bool {
	return !i.Authenticated || i.UserID == ""
}
