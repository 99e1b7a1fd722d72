package apis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackPath は認可サーバーからのリダイレクトを受けるパスです。
const CallbackPath = "/oauth/callback"

// ErrStateMismatch は state パラメータが一致しないコールバックです。
var ErrStateMismatch = errors.New("oauth: state mismatch")

type callbackResult struct {
	code string
	err  error
}

// OAuthServer は認証フローで精算サービスの認可サーバーからのコールバックを受け取るローカルサーバーです。
type OAuthServer struct {
	addr  string
	state string

	server   *http.Server
	listener net.Listener
	results  chan callbackResult
	stopOnce sync.Once
}

// NewOAuthServer は新しい OAuthServer のインスタンスを作成します。addr のポートに 0 を指定すると空きポートを使います。
func NewOAuthServer(addr, state string) *OAuthServer {
	return &OAuthServer{
		addr:    addr,
		state:   state,
		results: make(chan callbackResult, 1),
	}
}

// Start はローカルサーバーを起動し、認証コードのコールバックを待ち受けます。
func (s *OAuthServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("コールバックサーバーの待ち受けに失敗: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("認証コードを待ち受けています", "url", s.RedirectURL())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("OAuth サーバーが予期せぬエラーで停止しました", "error", err)
			s.deliver(callbackResult{err: err})
		}
	}()
	return nil
}

// RedirectURL は認可リクエストに指定するリダイレクト先です。
func (s *OAuthServer) RedirectURL() string {
	addr := s.addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return "http://" + addr + CallbackPath
}

// Wait は認証コードが届くか ctx が終了するまで待ちます。
func (s *OAuthServer) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-s.results:
		return r.code, r.err
	}
}

// Stop はサーバーを停止します。何度呼んでも安全です。
func (s *OAuthServer) Stop() {
	s.stopOnce.Do(func() {
		if s.server == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			slog.Warn("OAuth サーバーの停止に失敗", "error", err)
		}
	})
}

func (s *OAuthServer) deliver(r callbackResult) {
	select {
	case s.results <- r:
	default:
	}
}

// handleCallback は認証コードを含むリクエストを処理します。
func (s *OAuthServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if msg := q.Get("error"); msg != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<h1>認証エラー</h1><p>認証に失敗しました: %s</p>", msg)
		s.deliver(callbackResult{err: fmt.Errorf("oauth: 認可が拒否されました: %s", msg)})
		return
	}
	if q.Get("state") != s.state {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "<h1>認証エラー</h1><p>state が一致しません。</p>")
		s.deliver(callbackResult{err: ErrStateMismatch})
		return
	}
	code := q.Get("code")
	if code == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "<h1>認証エラー</h1><p>認証コードがありません。</p>")
		s.deliver(callbackResult{err: errors.New("oauth: 認証コードがありません")})
		return
	}

	fmt.Fprint(w, "<h1>認証が完了しました！</h1><p>ブラウザを閉じて、Interview Live に戻ってください。</p>")
	s.deliver(callbackResult{code: code})
}
