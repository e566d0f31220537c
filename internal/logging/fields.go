package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ScopeFields 提供 scope/缓存版本字段，供生命周期日志复用。
func ScopeFields(scope, cacheName string) logrus.Fields {
	return logrus.Fields{
		"scope":      scope,
		"cache_name": cacheName,
	}
}

// RequestFields 提供 scope/路由/来源字段，供拦截请求日志复用。
func RequestFields(scope, domain, route, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"scope":     scope,
		"domain":    domain,
		"route":     route,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
