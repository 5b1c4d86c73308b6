// Package image は投稿に添付される画像アーティファクトのライフサイクルを管理する。
package image

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/livefeed/internal/model"
)

// DefaultURLPrefix は画像アーティファクトの相対パスの先頭要素。
// 静的配信のパス（/images/）と一致させる。
const DefaultURLPrefix = "images"

// tempPrefix は書き込み途中の一時ファイルの接頭辞。Listの対象外とする。
const tempPrefix = ".upload-"

// allowedTypes は受け付ける画像形式と保存時の拡張子。
var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
}

// ErrOutsideStore はイメージディレクトリ外を指すパスが渡された場合のエラー。
var ErrOutsideStore = errors.New("path is outside the image store")

// CleanupRecorder は画像解放の失敗を記録する。
type CleanupRecorder interface {
	RecordArtifactCleanupFailure()
}

// Artifact はディスク上の画像アーティファクト1件を表す。
type Artifact struct {
	Path    string // 投稿が参照する相対パス（例: images/1743836947636-xxx.png）
	Size    int64
	ModTime time.Time
}

// LocalStore はローカルディスクに画像を保存・解放する。
type LocalStore struct {
	dir      string
	prefix   string
	now      func() time.Time
	recorder CleanupRecorder
}

// Option はLocalStoreの設定オプション。
type Option func(*LocalStore)

// WithCleanupRecorder は解放失敗の記録先を設定する。
func WithCleanupRecorder(r CleanupRecorder) Option {
	return func(s *LocalStore) {
		s.recorder = r
	}
}

// WithClock はファイル名のタイムスタンプに使う時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *LocalStore) {
		s.now = now
	}
}

// NewLocalStore はdirを保存先とするLocalStoreを生成する。
// ディレクトリが存在しない場合は作成する。
func NewLocalStore(dir string, opts ...Option) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	s := &LocalStore{
		dir:    dir,
		prefix: DefaultURLPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir は画像の保存先ディレクトリを返す。静的配信に使う。
func (s *LocalStore) Dir() string {
	return s.dir
}

// Store は画像を保存し、投稿が参照する相対パスを返す。
// 申告されたMIMEタイプと内容から判定したタイプの両方が許可リストに含まれない場合は
// ("", nil) を返す。呼び出し側はこれを「画像が受理されなかった」として扱う。
func (s *LocalStore) Store(data []byte, mimeType string) (string, error) {
	if _, ok := allowedTypes[normalizeMIME(mimeType)]; !ok || len(data) == 0 {
		return "", nil
	}
	ext, ok := allowedTypes[normalizeMIME(http.DetectContentType(data))]
	if !ok {
		slog.Warn("rejected image with mismatched content",
			slog.String("declared_type", mimeType),
		)
		return "", nil
	}

	name := fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), uuid.NewString(), ext)

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return "", model.NewStorageError(fmt.Errorf("create temp artifact: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", model.NewStorageError(fmt.Errorf("write artifact: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", model.NewStorageError(fmt.Errorf("close artifact: %w", err))
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return "", model.NewStorageError(fmt.Errorf("rename artifact: %w", err))
	}

	return path.Join(s.prefix, name), nil
}

// Release は画像アーティファクトを削除する。失敗しても呼び出し側には返さない。
// 存在しないファイルの解放は成功とみなす（冪等）。
func (s *LocalStore) Release(artifactPath string) {
	if artifactPath == "" {
		return
	}
	full, err := s.resolve(artifactPath)
	if err != nil {
		slog.Warn("refused to release artifact",
			slog.String("image_url", artifactPath),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := os.Remove(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("artifact already released",
				slog.String("image_url", artifactPath),
			)
			return
		}
		slog.Error("failed to release artifact",
			slog.String("image_url", artifactPath),
			slog.String("error", err.Error()),
		)
		if s.recorder != nil {
			s.recorder.RecordArtifactCleanupFailure()
		}
		return
	}

	slog.Debug("artifact released", slog.String("image_url", artifactPath))
}

// Exists はアーティファクトがディスク上に存在するかを返す。
func (s *LocalStore) Exists(artifactPath string) bool {
	full, err := s.resolve(artifactPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// List は保存済みの全アーティファクトを返す。書き込み途中の一時ファイルは含まない。
func (s *LocalStore) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read image directory: %w", err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// ReadDirとInfoの間に削除された
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path:    path.Join(s.prefix, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return artifacts, nil
}

// resolve は相対パスをディスク上の絶対パスに変換する。
// 接頭辞が一致しないパスやディレクトリ外を指すパスは拒否する。
func (s *LocalStore) resolve(artifactPath string) (string, error) {
	p := strings.TrimPrefix(filepath.ToSlash(artifactPath), "/")
	name, ok := strings.CutPrefix(p, s.prefix+"/")
	if !ok || name == "" || name != path.Base(name) || name == ".." || name == "." {
		return "", ErrOutsideStore
	}
	return filepath.Join(s.dir, name), nil
}

func normalizeMIME(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
