// Command verifybridge はメール検証ブリッジのAPIサーバー、ワーカー、
// マイグレーション、待機クライアントを1つのバイナリで提供する。
//
//	verifybridge serve        APIサーバー（デフォルト）
//	verifybridge worker       期限切れデータのクリーンアップ
//	verifybridge migrate      データベースマイグレーション
//	verifybridge healthcheck  /health の確認（Dockerヘルスチェック用）
//	verifybridge wait         検証完了を待って遷移判断を出力する
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/verifybridge/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "verifybridge: %v\n", err)
		os.Exit(1)
	}
}
