package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionContext はセッションを開くときに渡す面接準備の情報です。
type SessionContext struct {
	JobPreparationID string
	Title            string
}

// OpenResult はセッション開始の結果です。
type OpenResult struct {
	SessionID        string    `json:"sessionId"`
	StartTime        time.Time `json:"startTime"`
	RemainingCredits float64   `json:"remainingCredits"`
}

// DeductRequest は経過分の精算要求です。UpTo は精算後の累計分数です。
type DeductRequest struct {
	SessionID string
	Minutes   int
	UpTo      int
}

// DeductResult は精算の結果です。
type DeductResult struct {
	CreditsUsed      float64 `json:"creditsUsed"`
	RemainingCredits float64 `json:"remainingCredits"`
}

// CloseResult はセッション終了時の最終精算です。
type CloseResult struct {
	SessionID        string    `json:"sessionId"`
	DurationMinutes  int       `json:"duration"`
	CreditsUsed      float64   `json:"creditsUsed"`
	RemainingCredits float64   `json:"remainingCredits"`
	EndTime          time.Time `json:"endTime"`
}

// Balance はユーザーの残高とプランです。
type Balance struct {
	Plan    string  `json:"plan"`
	Status  string  `json:"status"`
	Credits float64 `json:"credits"`
}

// Service はクレジット精算サービスです。identity は認証済みユーザーの識別子です。
type Service interface {
	OpenSession(ctx context.Context, identity string, sc SessionContext) (*OpenResult, error)
	DeductTime(ctx context.Context, identity string, req DeductRequest) (*DeductResult, error)
	CloseSession(ctx context.Context, identity, sessionID string) (*CloseResult, error)
	Balance(ctx context.Context, identity string) (*Balance, error)
}

// Client は HTTP の精算サービスクライアントです。
// 認証は渡された http.Client (通常は oauth2 のクライアント) に任せます。
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// identityHeader は認証トークンとは別に、対象ユーザーを明示するヘッダーです。
const identityHeader = "X-Interview-User"

// NewClient は Client を作成します。httpClient が nil の場合は http.DefaultClient を使います。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With("component", "accounting"),
	}
}

// OpenSession はセッションを作成します。残高がない場合は ErrInsufficientCredits を返します。
func (c *Client) OpenSession(ctx context.Context, identity string, sc SessionContext) (*OpenResult, error) {
	body := map[string]string{"jobPreparationId": sc.JobPreparationID}
	if sc.Title != "" {
		body["title"] = sc.Title
	}
	var out OpenResult
	if err := c.do(ctx, http.MethodPost, "/api/interview", identity, "", body, &out, ErrInsufficientCredits); err != nil {
		return nil, fmt.Errorf("セッションの開始に失敗: %w", err)
	}
	return &out, nil
}

// DeductTime は経過分を差し引きます。残高不足は ErrExhausted を返します。
// Idempotency-Key はセッションと累計分数から決まるため、再送しても二重に引かれません。
func (c *Client) DeductTime(ctx context.Context, identity string, req DeductRequest) (*DeductResult, error) {
	key := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%s#%d", c.baseURL, req.SessionID, req.UpTo))).String()
	body := map[string]any{"minutes": req.Minutes, "sessionId": req.SessionID}
	var out DeductResult
	if err := c.do(ctx, http.MethodPut, "/api/interview", identity, key, body, &out, ErrExhausted); err != nil {
		return nil, fmt.Errorf("利用時間の精算に失敗: %w", err)
	}
	return &out, nil
}

// CloseSession はセッションを終了し最終精算を返します。残高は 0 未満になりません。
func (c *Client) CloseSession(ctx context.Context, identity, sessionID string) (*CloseResult, error) {
	body := map[string]string{"sessionId": sessionID}
	var out CloseResult
	if err := c.do(ctx, http.MethodPatch, "/api/interview", identity, "", body, &out, ErrExhausted); err != nil {
		return nil, fmt.Errorf("セッションの終了に失敗: %w", err)
	}
	if out.RemainingCredits < 0 {
		out.RemainingCredits = 0
	}
	return &out, nil
}

// Balance は残高とプランを取得します。
func (c *Client) Balance(ctx context.Context, identity string) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, http.MethodGet, "/api/subscription", identity, "", nil, &out, ErrInsufficientCredits); err != nil {
		return nil, fmt.Errorf("残高の取得に失敗: %w", err)
	}
	return &out, nil
}

// envelope はサービスの共通レスポンス形式です。
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, identity, idempotencyKey string, in, out any, paymentErr error) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストのエンコードに失敗: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != "" {
		req.Header.Set(identityHeader, identity)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s の送信に失敗: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("レスポンスの読み込みに失敗: %w", err)
	}
	c.logger.Debug("精算サービス応答", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Error}
		if decodeErr != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusPaymentRequired {
			apiErr.kind = paymentErr
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("レスポンスのデコードに失敗: %w", decodeErr)
	}
	if !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("data のデコードに失敗: %w", err)
		}
	}
	return nil
}
