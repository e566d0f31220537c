package fetch

import (
	"net/http"
	"testing"
)

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
	if !IsHopByHopHeader("transfer-encoding") {
		t.Fatalf("transfer-encoding must be treated as hop-by-hop")
	}
}

func TestRequestHeadersDropsNetworkHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Accept-Encoding", "gzip, br")
	src.Set("Connection", "keep-alive")
	src.Set("Host", "game.pwa.local")
	src.Set("Accept", "image/png")

	got := RequestHeaders(src)
	if len(got) != 1 || got.Get("Accept") != "image/png" {
		t.Fatalf("unexpected request headers %v", got)
	}
	if !IsNetworkHeader("accept-encoding") || IsNetworkHeader("Accept-Language") {
		t.Fatalf("network header classification is wrong")
	}

	got.Set("Accept", "text/html")
	if src.Get("Accept") != "image/png" {
		t.Fatalf("RequestHeaders must copy, not alias")
	}
}
