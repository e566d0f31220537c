package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCacheName 是当前发布版本的缓存名称，修改该值即可让所有旧缓存失效。
const DefaultCacheName = "pvz-bevy-cache-v2"

// DefaultShellURL 是导航请求离线回退时使用的 app shell。
const DefaultShellURL = "./index.html"

// DefaultPrecache 返回默认预缓存清单（相对 Origin 解析）。
func DefaultPrecache() []string {
	return []string{
		"./",
		"./index.html",
		"./manifest.json",
		"./icon-192.png",
		"./icon.png",
	}
}

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Scope 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MetricsEnabled  bool     `mapstructure:"MetricsEnabled"`
}

// ScopeConfig 描述一个被接管的 SPA：网关域名、源站地址以及缓存版本。
type ScopeConfig struct {
	Name      string   `mapstructure:"Name"`
	Domain    string   `mapstructure:"Domain"`
	Origin    string   `mapstructure:"Origin"`
	CacheName string   `mapstructure:"CacheName"`
	Precache  []string `mapstructure:"Precache"`
	ShellURL  string   `mapstructure:"ShellURL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Scopes []ScopeConfig `mapstructure:"Scope"`
}

// Fingerprint 标识 Scope 的“脚本版本”：缓存名、预缓存清单或 shell 任一变化都会产生新版本。
func (s ScopeConfig) Fingerprint() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", s.Origin, s.CacheName, s.ShellURL)
	for _, entry := range s.Precache {
		fmt.Fprintf(h, "%s\n", entry)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// ScopeNames 返回所有 Scope 的 name:cache 摘要，供启动日志使用。
func ScopeNames(scopes []ScopeConfig) []string {
	if len(scopes) == 0 {
		return nil
	}
	result := make([]string, len(scopes))
	for i, scope := range scopes {
		result[i] = fmt.Sprintf("%s:%s", scope.Name, scope.CacheName)
	}
	return result
}

// FindScope 按名称查找 Scope 配置。
func (c *Config) FindScope(name string) (ScopeConfig, bool) {
	if c == nil {
		return ScopeConfig{}, false
	}
	for _, scope := range c.Scopes {
		if scope.Name == name {
			return scope, true
		}
	}
	return ScopeConfig{}, false
}
