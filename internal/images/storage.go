// Package images は商品画像のダウンロードと保存を提供する。
package images

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Storage は画像バイナリの保存先を表す。
type Storage interface {
	// Save はキーに対応する位置へデータを保存し、保存先パスを返す。
	// 同一キーへの再保存は上書きとなる。
	Save(key string, r io.Reader) (string, error)
}

// FilesystemStorage はローカルファイルシステムへのStorage実装。
type FilesystemStorage struct {
	baseDir string
}

// NewFilesystemStorage はFilesystemStorageを生成する。
func NewFilesystemStorage(baseDir string) *FilesystemStorage {
	return &FilesystemStorage{baseDir: baseDir}
}

// Save は baseDir/key にデータを書き込む。
// 書き込みは一時ファイル経由で行い、部分的に書かれたファイルが
// 完成形として観測されることを防ぐ。
func (s *FilesystemStorage) Save(key string, r io.Reader) (string, error) {
	cleaned := path.Clean("/" + key)
	dest := filepath.Join(s.baseDir, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("画像データの書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("保存先への移動に失敗: %w", err)
	}

	return dest, nil
}

var _ Storage = (*FilesystemStorage)(nil)
