// Package worker 实现离线缓存管理器：install 时整体预缓存清单，activate 时清理
// 旧版本缓存，fetch 时导航请求网络优先（离线回退到应用壳），其余请求缓存优先。
package worker
