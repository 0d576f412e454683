package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zombor/ocr-table/internal/ocr"
)

// DefaultBaiduBaseURL is the host serving Baidu recognition endpoints
const DefaultBaiduBaseURL = "https://aip.baidubce.com"

// Baidu error codes meaning the access token must be refreshed
const (
	baiduInvalidToken = 110
	baiduExpiredToken = 111
)

// baiduEndpoints maps each supported document type to its recognition path
var baiduEndpoints = map[ocr.DocumentType]string{
	ocr.DocumentFinancialNotes: "/rest/2.0/ocr/v1/multiple_invoice",
}

// BaiduConfig configures the Baidu gateway
type BaiduConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Baidu implements the Gateway interface against Baidu AI Cloud OCR
type Baidu struct {
	baseURL     string
	credentials *Credentials
	client      *http.Client
}

// NewBaidu creates a new Baidu gateway using the given credential holder
func NewBaidu(credentials *Credentials, cfg BaiduConfig) (*Baidu, error) {
	if credentials == nil {
		return nil, fmt.Errorf("baidu credentials are required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaiduBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Baidu{
		baseURL:     baseURL,
		credentials: credentials,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// baiduError is the error envelope Baidu returns with HTTP 200
type baiduError struct {
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Submit recognizes one image and returns Baidu's raw JSON response
func (b *Baidu) Submit(ctx context.Context, img Image, route ocr.Route) ([]byte, error) {
	if route.Provider != ocr.ProviderBaidu {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRoute, route)
	}
	path, ok := baiduEndpoints[route.DocumentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRoute, route)
	}

	imageData, converted, err := prepareImage(img)
	if err != nil {
		return nil, err
	}
	if converted {
		slog.Debug("Converted image for recognition", "content_type", img.ContentType, "size", len(imageData))
	}

	form := url.Values{}
	form.Set("image", base64.StdEncoding.EncodeToString(imageData))
	body := form.Encode()

	data, retry, err := b.post(ctx, path, body)
	if retry {
		slog.Warn("Baidu access token rejected, refreshing", "route", route.String())
		b.credentials.Invalidate()
		data, _, err = b.post(ctx, path, body)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// post performs one recognition call. retry is true when the failure was a
// rejected access token.
func (b *Baidu) post(ctx context.Context, path, body string) ([]byte, bool, error) {
	token, err := b.credentials.Token(ctx)
	if err != nil {
		return nil, false, err
	}

	endpoint := fmt.Sprintf("%s%s?access_token=%s", b.baseURL, path, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("calling baidu API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, true, fmt.Errorf("baidu API unauthorized (status %d): %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("baidu API error (status %d): %s", resp.StatusCode, string(data))
	}

	var apiErr baiduError
	if err := json.Unmarshal(data, &apiErr); err != nil {
		return nil, false, fmt.Errorf("decoding response: %w", err)
	}
	if apiErr.ErrorCode != 0 {
		retry := apiErr.ErrorCode == baiduInvalidToken || apiErr.ErrorCode == baiduExpiredToken
		return nil, retry, fmt.Errorf("baidu ocr error %d: %s", apiErr.ErrorCode, apiErr.ErrorMsg)
	}

	return data, false, nil
}
