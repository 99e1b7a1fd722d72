package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// LoadToken はローカルファイルから認証トークンを読み込みます。
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		// 未認証の場合もここに来る
		return nil, fmt.Errorf("トークンファイルのオープンに失敗 (auth コマンドで認証してください): %w", err)
	}
	defer f.Close()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("トークンファイルのデコードに失敗: %w", err)
	}
	return token, nil
}

// SaveToken は認証トークンをオーナーのみ読み書きできるファイルに保存します。
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("ディレクトリ作成に失敗: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("トークンファイルの作成/オープンに失敗: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(token); err != nil {
		return fmt.Errorf("トークンファイルのエンコードに失敗: %w", err)
	}
	return nil
}

// SavingTokenSource は更新されたトークンをファイルに書き戻す TokenSource です。
type SavingTokenSource struct {
	Path string
	Base oauth2.TokenSource

	last string
}

// Token はベースからトークンを取得し、アクセストークンが変わっていれば保存します。
func (s *SavingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.Base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last {
		if err := SaveToken(s.Path, tok); err != nil {
			return nil, err
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}
