package fetch

import (
	"net/http"
	"net/textproto"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// networkHeaders 由网络层自行协商（压缩、长度、主机），不属于请求标识。
var networkHeaders = map[string]struct{}{
	"Accept-Encoding": {},
	"Content-Length":  {},
	"Host":            {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsNetworkHeader 判断头部是否由网络层管理：hop-by-hop 字段以及压缩协商等。
// 这类头部既不交给 Worker，也不参与 Vary 匹配。
func IsNetworkHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := networkHeaders[canonical]; ok {
		return true
	}
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// RequestHeaders 返回去掉网络层头部后的请求头副本。
func RequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if IsNetworkHeader(key) {
			continue
		}
		dst[textproto.CanonicalMIMEHeaderKey(key)] = append([]string(nil), values...)
	}
	return dst
}
