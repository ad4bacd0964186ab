package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fundingarb/internal/domain/model"
)

// Credentials 包含 API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{apiKey: apiKey, apiSecret: apiSecret}
}

// Sign 生成 HMAC-SHA256 签名
func (c *Credentials) Sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// APIKey 返回 API Key
func (c *Credentials) APIKey() string { return c.apiKey }

// APIClient Bybit V5 REST 客户端
type APIClient struct {
	credentials *Credentials
	httpClient  *http.Client
	baseURL     string
	recvWindow  string
}

// NewAPIClient 创建 REST 客户端
func NewAPIClient(creds *Credentials, baseURL string, timeout time.Duration, recvWindow time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &APIClient{
		credentials: creds,
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		recvWindow:  strconv.FormatInt(recvWindow.Milliseconds(), 10),
	}
}

// envelope V5 统一响应
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// signedJSONRequest 发送带 JSON payload 的签名请求
func (c *APIClient) signedJSONRequest(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, string(body))
	return c.do(req)
}

// signedQueryRequest 发送带 query 的签名请求
func (c *APIClient) signedQueryRequest(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	req, query, err := c.newQueryRequest(ctx, path, params)
	if err != nil {
		return nil, err
	}
	c.sign(req, query)
	return c.do(req)
}

// publicRequest 行情类接口无需签名
func (c *APIClient) publicRequest(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	req, _, err := c.newQueryRequest(ctx, path, params)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *APIClient) newQueryRequest(ctx context.Context, path string, params url.Values) (*http.Request, string, error) {
	var query string
	if params != nil {
		query = params.Encode()
	}
	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	return req, query, err
}

func (c *APIClient) sign(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	// Bybit V5 signature: timestamp + apiKey + recvWindow + payload
	signStr := timestamp + c.credentials.APIKey() + c.recvWindow + payload
	signature := c.credentials.Sign(signStr)

	req.Header.Set("X-BAPI-API-KEY", c.credentials.APIKey())
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
}

func (c *APIClient) do(req *http.Request) (json.RawMessage, error) {
	op := req.Method + " " + req.URL.Path

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() == context.Canceled {
			return nil, req.Context().Err()
		}
		return nil, fmt.Errorf("bybit %s: %v: %w", op, err, model.ErrTimeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bybit %s: read body: %v: %w", op, err, model.ErrTimeout)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("bybit %s: %w", op, model.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("bybit %s: http %d: %w", op, resp.StatusCode, model.ErrAuthFailure)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("bybit %s: http %d: %w", op, resp.StatusCode, model.ErrTimeout)
	case resp.StatusCode != http.StatusOK:
		return nil, model.Rejected(strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bybit %s: decode response: %w", op, err)
	}
	if env.RetCode != 0 {
		return nil, &retCodeError{op: op, code: env.RetCode, msg: env.RetMsg}
	}
	return env.Result, nil
}

// retCodeError 业务错误码；Unwrap 时映射到连接器错误分类
type retCodeError struct {
	op   string
	code int
	msg  string
}

func (e *retCodeError) Error() string {
	return fmt.Sprintf("bybit %s: [%d] %s", e.op, e.code, e.msg)
}

func (e *retCodeError) Unwrap() error {
	switch e.code {
	case 10006, 10018:
		return model.ErrRateLimited
	case 10000, 10016:
		return model.ErrTimeout
	case 10003, 10004, 10005, 10007, 33004:
		return model.ErrAuthFailure
	}
	return model.Rejected(strconv.Itoa(e.code), e.msg)
}
