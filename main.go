package main

import (
	"log/slog"
	"os"

	"interview-live-go/cmd"
)

func main() {
	// エラーが発生した場合、ログに出力してプログラムを終了する
	if err := cmd.Execute(); err != nil {
		slog.Error("実行に失敗しました", "error", err)
		os.Exit(1)
	}
}
