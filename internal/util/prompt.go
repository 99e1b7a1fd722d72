package util

import (
	"fmt"
	"os"
	"strings"
)

// LoadPromptFile はプロンプトファイルの内容を文字列として読み込みます。
// 空のファイルはエラーです。
func LoadPromptFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("プロンプトファイルの読み込みに失敗: %w", err)
	}
	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("プロンプトファイルが空です: %s", path)
	}
	return prompt, nil
}
