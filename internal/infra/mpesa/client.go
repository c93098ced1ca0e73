package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// プロバイダ起因の失敗（HTTPエラー・不正レスポンス・タイムアウト）。
// 呼び出し側はリトライ可能なインフラエラーとして扱い、決済失敗にはしない。
var ErrProvider = errors.New("payment provider error")

type Config struct {
	BaseURL        string
	ShortCode      string
	Passkey        string
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string
	Timeout        time.Duration
}

// Daraja APIクライアント。OAuthトークン取得・STK push・ステータス照会。
type Client struct {
	cfg        Config
	httpClient *http.Client

	//テストで固定するためのフック
	now func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

type STKPushInput struct {
	PhoneNumber      string
	Amount           float64
	AccountReference string
	Description      string
}

type STKPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// stkpushqueryのResultCodeは環境によって数値でも文字列でも返るため両対応。
type ResultCode int

func (rc *ResultCode) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return fmt.Errorf("invalid ResultCode %q", string(b))
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("invalid ResultCode %q", string(b))
	}
	*rc = ResultCode(n)
	return nil
}

// ResultCodeは処理中の照会だとレスポンスに含まれないことがある。
// 欠如（nil）は「未確定」であり成功(0)と区別する必要があるためポインタで持つ。
type QueryResult struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResultCode          *ResultCode `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
	MpesaReceiptNumber  string      `json:"MpesaReceiptNumber"`
}

// 電話番号を国際形式（254...）に正規化する。
// 先頭0は254に置換、先頭+は外す。
func NormalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.ReplaceAll(p, " ", "")

	switch {
	case strings.HasPrefix(p, "0"):
		return "254" + p[1:]
	case strings.HasPrefix(p, "+"):
		return p[1:]
	case strings.HasPrefix(p, "254"):
		return p
	default:
		return "254" + p
	}
}

// password = base64(shortcode + passkey + timestamp)
func (c *Client) password(t time.Time) (string, string) {
	timestamp := t.Format("20060102150405")
	raw := c.cfg.ShortCode + c.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

// OAuth client credentialsでアクセストークンを取る。
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return "", fmt.Errorf("%w: credentials not configured", ErrProvider)
	}

	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	credentials := c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Msg("mpesa access token request failed")
		return "", fmt.Errorf("%w: token request status %d", ErrProvider, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrProvider)
	}

	return body.AccessToken, nil
}

// STK pushを開始してプロバイダの相関IDを返す。
func (c *Client) STKPush(ctx context.Context, in STKPushInput) (STKPushResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return STKPushResult{}, err
	}

	phone := NormalizePhone(in.PhoneNumber)
	password, timestamp := c.password(c.now())

	desc := in.Description
	if desc == "" {
		desc = "Order Payment"
	}
	//TransactionDescは最大20文字
	if len(desc) > 20 {
		desc = desc[:20]
	}

	payload := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            fmt.Sprintf("%d", int64(in.Amount)),
		"PartyA":            phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  in.AccountReference,
		"TransactionDesc":   desc,
	}

	var out STKPushResult
	if err := c.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &out); err != nil {
		return STKPushResult{}, err
	}

	if out.ResponseCode != "0" {
		log.Error().
			Str("response_code", out.ResponseCode).
			Str("response_description", out.ResponseDescription).
			Msg("stk push rejected by provider")
		return STKPushResult{}, fmt.Errorf("%w: %s", ErrProvider, out.ResponseDescription)
	}

	return out, nil
}

// STK pushの結果を同期で照会する（コールバックが遅れた/落ちた場合の救済）。
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (QueryResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return QueryResult{}, err
	}

	password, timestamp := c.password(c.now())

	payload := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out QueryResult
	if err := c.postJSON(ctx, "/mpesa/stkpushquery/v1/query", token, payload, &out); err != nil {
		return QueryResult{}, err
	}

	// 照会自体が拒否された場合は取引結果ではないので呼び出し側に反映させない。
	if out.ResponseCode != "0" {
		log.Error().
			Str("response_code", out.ResponseCode).
			Str("response_description", out.ResponseDescription).
			Msg("stk query rejected by provider")
		return QueryResult{}, fmt.Errorf("%w: %s", ErrProvider, out.ResponseDescription)
	}

	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, token string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("path", path).Msg("mpesa request failed")
		return fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}

	return nil
}
