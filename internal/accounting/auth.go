package accounting

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"interview-live-go/internal/config"
	"interview-live-go/internal/util"
)

// OAuthConfig は精算サービスの OAuth2 設定を返します。
func OAuthConfig(cfg config.AccountingConfig, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		Scopes:      []string{"interview", "subscription:read"},
		RedirectURL: redirectURL,
	}
}

// HTTPClient は保存済みトークンで認証する http.Client を返します。
// 更新されたトークンは同じファイルに書き戻します。
func HTTPClient(ctx context.Context, oc *oauth2.Config, tokenFile string) (*http.Client, error) {
	tok, err := util.LoadToken(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("認証トークンの読み込みに失敗: %w", err)
	}
	src := &util.SavingTokenSource{Path: tokenFile, Base: oc.TokenSource(ctx, tok)}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}
