package server

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/config"
	"github.com/any-hub/pwa-hub/internal/fetch"
)

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:    port,
			StoragePath:   t.TempDir(),
			StorageDriver: "fs",
		},
		Scopes: []config.ScopeConfig{
			{
				Name:      "game",
				Domain:    "game.pwa.local",
				Origin:    "https://example.github.io/game/",
				CacheName: "game-v1",
				Precache:  []string{"./", "./index.html"},
				ShellURL:  "./index.html",
			},
		},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// onlineFetcher 对任何 URL 返回同源 200 响应。
func onlineFetcher(origin *url.URL) fetch.Fetcher {
	return fetch.FetcherFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		return &fetch.Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/html"}},
			Body:   []byte("page:" + req.URL.Path),
			Type:   fetch.ResponseBasic,
			URL:    req.URL.String(),
		}, nil
	})
}

func newTestRegistry(t *testing.T, cfg *config.Config) *ScopeRegistry {
	t.Helper()
	registry, err := NewScopeRegistry(RegistryOptions{
		Config:     cfg,
		Logger:     quietLogger(),
		NewFetcher: onlineFetcher,
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })
	return registry
}
