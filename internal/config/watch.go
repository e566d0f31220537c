package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变化，每次成功解析后回调 onChange；解析失败时回调 onError 并保留旧配置。
// 主要用途是发布新版本：修改 CacheName 后无需重启即可触发 install/activate。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}
