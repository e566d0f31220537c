package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
}

const supportedStorageDriverList = "fs|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[strings.ToLower(g.StorageDriver)]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Scopes) == 0 {
		return errors.New("至少需要配置一个 Scope")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Scopes {
		scope := &c.Scopes[i]
		if scope.Name == "" {
			return newFieldError("Scope[].Name", "不能为空")
		}
		if strings.ContainsAny(scope.Name, `/\ `) || scope.Name == "." || scope.Name == ".." {
			return newFieldError(scopeField(scope.Name, "Name"), "只能包含路径安全字符")
		}
		if _, exists := seenNames[scope.Name]; exists {
			return newFieldError(scopeField(scope.Name, "Name"), "重复")
		}
		seenNames[scope.Name] = struct{}{}

		if err := validateDomain(scope.Domain); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Domain"), err)
		}
		domain := strings.ToLower(scope.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(scopeField(scope.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateOrigin(scope.Origin); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Origin"), err)
		}
		if scope.CacheName == "" {
			return newFieldError(scopeField(scope.Name, "CacheName"), "不能为空")
		}

		seenEntries := make(map[string]struct{}, len(scope.Precache))
		for _, entry := range scope.Precache {
			trimmed := strings.TrimSpace(entry)
			if trimmed == "" {
				return newFieldError(scopeField(scope.Name, "Precache"), "不能包含空地址")
			}
			if _, err := url.Parse(trimmed); err != nil {
				return fmt.Errorf("%s: %w", scopeField(scope.Name, "Precache"), err)
			}
			if _, exists := seenEntries[trimmed]; exists {
				return newFieldError(scopeField(scope.Name, "Precache"), "重复地址 "+trimmed)
			}
			seenEntries[trimmed] = struct{}{}
		}
		if _, err := url.Parse(scope.ShellURL); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "ShellURL"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含 query 或 fragment: %s", raw)
	}
	return nil
}
