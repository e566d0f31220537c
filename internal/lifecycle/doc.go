// Package lifecycle 模拟浏览器对 Service Worker 的托管：每个 Scope 一个 Host，
// 负责 installing → installed → activating → activated / redundant 的状态推进，
// 处理 skipWaiting / claim，并把 fetch 事件派发给当前控制者。
package lifecycle
