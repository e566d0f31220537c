package fetch

import (
	"bytes"
	"net/http"
)

// ResponseType 对应浏览器 Response.type。
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
	ResponseError  ResponseType = "error"
)

// Response 是一次响应的不可变快照，Body 已完整读入内存，可重复回放。
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       ResponseType
	URL        string
	Redirected bool
}

// OK 与 Response.ok 一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 复制出一份独立快照，一份返回给客户端，一份写入缓存。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = bytes.Clone(r.Body)
	return &cloned
}
