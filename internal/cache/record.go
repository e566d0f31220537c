package cache

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/pwa-hub/internal/fetch"
)

// record 是一个缓存条目的持久化形式，两种 driver 共用。
type record struct {
	Key        string            `json:"key"`
	RequestURL string            `json:"request_url"`
	Vary       map[string]string `json:"vary,omitempty"`
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Header     http.Header       `json:"header"`
	Type       string            `json:"type"`
	URL        string            `json:"url"`
	Redirected bool              `json:"redirected"`
	StoredAt   time.Time         `json:"stored_at"`
	// BodyFile 仅 fs driver 使用：正文所在文件名。
	BodyFile   string            `json:"body_file,omitempty"`

	body []byte
}

// requestKey 去掉 fragment 后的绝对 URL 即为请求标识。
func requestKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}

// newRecord 校验请求与响应是否允许写入，并捕获 Vary 指定的请求头。
func newRecord(req *fetch.Request, resp *fetch.Response) (*record, error) {
	if req == nil || req.URL == nil {
		return nil, ErrNotFound
	}
	if req.Method != http.MethodGet {
		return nil, ErrMethodNotCacheable
	}
	if resp == nil {
		return nil, ErrBadResponse
	}

	names, err := varyNames(resp.Header)
	if err != nil {
		return nil, err
	}
	var vary map[string]string
	if len(names) > 0 {
		vary = make(map[string]string, len(names))
		for _, name := range names {
			if fetch.IsNetworkHeader(name) {
				continue
			}
			vary[name] = req.Header.Get(name)
		}
		if len(vary) == 0 {
			vary = nil
		}
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &record{
		Key:        requestKey(req.URL),
		RequestURL: requestKey(req.URL),
		Vary:       vary,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     header,
		Type:       string(resp.Type),
		URL:        resp.URL,
		Redirected: resp.Redirected,
		StoredAt:   time.Now().UTC(),
		body:       append([]byte(nil), resp.Body...),
	}, nil
}

// matches 判断请求是否命中该条目：仅 GET，且 Vary 指定的请求头取值一致。
func (r *record) matches(req *fetch.Request) bool {
	if req == nil || req.Method != http.MethodGet {
		return false
	}
	if r.Key != requestKey(req.URL) {
		return false
	}
	for name, value := range r.Vary {
		// Accept-Encoding 等由网络层协商，请求对象上没有这些值。
		if fetch.IsNetworkHeader(name) {
			continue
		}
		if req.Header.Get(name) != value {
			return false
		}
	}
	return true
}

func (r *record) response() *fetch.Response {
	return &fetch.Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.body...),
		Type:       fetch.ResponseType(r.Type),
		URL:        r.URL,
		Redirected: r.Redirected,
	}
}

func varyNames(header http.Header) ([]string, error) {
	var names []string
	for _, raw := range header.Values("Vary") {
		for _, part := range strings.Split(raw, ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			if name == "*" {
				return nil, ErrVaryWildcard
			}
			names = append(names, textproto.CanonicalMIMEHeaderKey(name))
		}
	}
	return names, nil
}
