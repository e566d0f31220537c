package fetch

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Mode 对应浏览器 Request.mode，决定导航/跨域判定。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Request 是一次被拦截的请求，URL 总是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// NewRequest 构造 GET 之外亦可用的请求，rawURL 必须是绝对地址。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
		Mode:   ModeNoCORS,
	}, nil
}

// IsNavigation 表示这是一次顶层页面加载。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Clone 深拷贝请求，避免后台写缓存时与调用方共享可变状态。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.URL != nil {
		u := *r.URL
		cloned.URL = &u
	}
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = bytes.Clone(r.Body)
	return &cloned
}

// ModeFromHeaders 根据 Sec-Fetch-Mode 推断请求模式；旧浏览器不发送该头时，
// 接受 text/html 的 GET 视为导航，其余视为 no-cors 子资源。
func ModeFromHeaders(method string, header http.Header) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode")))) {
	case ModeNavigate:
		return ModeNavigate
	case ModeSameOrigin:
		return ModeSameOrigin
	case ModeNoCORS:
		return ModeNoCORS
	case ModeCORS:
		return ModeCORS
	}
	if strings.EqualFold(method, http.MethodGet) && strings.Contains(header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// SameOrigin 比较 scheme + host（含端口）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
