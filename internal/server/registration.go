package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/any-hub/pwa-hub/internal/config"
)

// registration 记录 Scope 最近一次激活的 Worker 版本，进程重启后据此恢复控制者，
// 无需联网重新安装。
type registration struct {
	Version     string    `json:"version"`
	CacheName   string    `json:"cache_name"`
	Precache    []string  `json:"precache"`
	ShellURL    string    `json:"shell_url"`
	ActivatedAt time.Time `json:"activated_at"`
}

// registrationFile 与缓存存储同目录：<StoragePath>/<scope>.registration.json。
func registrationFile(storagePath, scope string) string {
	return filepath.Join(storagePath, scope+".registration.json")
}

func newRegistration(cfg config.ScopeConfig) registration {
	return registration{
		Version:     cfg.Fingerprint(),
		CacheName:   cfg.CacheName,
		Precache:    append([]string(nil), cfg.Precache...),
		ShellURL:    cfg.ShellURL,
		ActivatedAt: time.Now().UTC(),
	}
}

// apply 把登记的版本字段叠加到当前配置上，得到重启前生效的 Scope 配置。
func (r registration) apply(cfg config.ScopeConfig) config.ScopeConfig {
	cfg.CacheName = r.CacheName
	cfg.Precache = append([]string(nil), r.Precache...)
	cfg.ShellURL = r.ShellURL
	return cfg
}

// loadRegistration 读取登记文件；不存在时返回 (nil, nil)。
func loadRegistration(path string) (*registration, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var reg registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &reg, nil
}

// saveRegistration 通过临时文件 + rename 写入，避免重启时读到半截内容。
func saveRegistration(path string, reg registration) error {
	payload, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, ".registration-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(payload)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, path)
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
