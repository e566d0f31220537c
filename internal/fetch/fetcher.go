package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher 执行一次网络请求并返回完整快照。网络层失败（离线、DNS、连接重置）
// 以 *NetworkError 返回；任何 HTTP 状态码（包括 404/500）都是成功的 fetch。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// NetworkError 表示请求未能拿到任何 HTTP 响应。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network request %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPFetcher 通过共享 http.Client 访问源站，并以 origin 判定响应类型。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher 构造访问 origin 的 Fetcher；client 为空时使用 http.DefaultClient。
func NewHTTPFetcher(client *http.Client, origin *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, origin: origin}
}

// Fetch 发送请求并完整读取响应体。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, &NetworkError{Err: fmt.Errorf("request url required")}
	}
	target := req.URL.String()

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	CopyHeaders(httpReq.Header, req.Header)
	// 交给 Transport 处理 gzip，缓存中保存解码后的正文。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = req.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     header,
		Body:       payload,
		Type:       f.classify(final, req.Mode),
		URL:        final.String(),
		Redirected: final.String() != target,
	}, nil
}

func (f *HTTPFetcher) classify(final *url.URL, mode Mode) ResponseType {
	if SameOrigin(final, f.origin) {
		return ResponseBasic
	}
	if mode == ModeNoCORS {
		return ResponseOpaque
	}
	return ResponseCORS
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}
