package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"interview-live-go/internal/accounting"
	"interview-live-go/internal/apis"
	"interview-live-go/internal/util"
)

var authFlags struct {
	port    int
	timeout time.Duration
}

// authCmd は精算サービスへの OAuth 2.0 認証フローを開始するためのコマンド定義です。
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "クレジット精算サービスに OAuth 2.0 でログインします。",
	Long: `ブラウザで精算サービスの認可画面を開き、取得したトークンを設定ディレクトリに保存します。
保存したトークンは run / balance コマンドが利用し、期限切れ時は自動で更新されます。`,
	RunE: authApplication,
}

func init() {
	rootCmd.AddCommand(authCmd)

	authCmd.Flags().IntVar(&authFlags.port, "oauth-port", 8080, "認証コードを受け取るローカルポート (0 で空きポート)")
	authCmd.Flags().DurationVar(&authFlags.timeout, "timeout", 5*time.Minute, "ブラウザでの認可を待つ時間")
}

// authApplication は認証フローを実行します。
func authApplication(cmd *cobra.Command, args []string) error {
	if cfg.Accounting.ClientID == "" || cfg.Accounting.AuthURL == "" || cfg.Accounting.TokenURL == "" {
		return errors.New("accounting.client_id / auth_url / token_url が設定されていません")
	}

	state := uuid.NewString()
	srv := apis.NewOAuthServer(fmt.Sprintf("127.0.0.1:%d", authFlags.port), state)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	oc := accounting.OAuthConfig(cfg.Accounting, srv.RedirectURL())
	verifier := oauth2.GenerateVerifier()
	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	fmt.Println("--- Interview Live Go: 精算サービスへのログイン ---")
	fmt.Printf("次の URL をブラウザで開いて認可してください:\n\n%s\n\n", authURL)

	ctx, cancel := context.WithTimeout(cmd.Context(), authFlags.timeout)
	defer cancel()

	code, err := srv.Wait(ctx)
	if err != nil {
		return fmt.Errorf("認証コードの取得に失敗: %w", err)
	}

	tok, err := oc.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("トークンの交換に失敗: %w", err)
	}
	if err := util.SaveToken(cfg.Accounting.TokenFile, tok); err != nil {
		return err
	}

	slog.Info("トークンを保存しました", "path", cfg.Accounting.TokenFile)
	fmt.Println("✅ 認証が完了しました。")
	return nil
}
