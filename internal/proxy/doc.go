// Package proxy bridges Fiber requests and the per-scope worker host: every
// intercepted request becomes a fetch event, and the worker's answer (network,
// cache or offline shell) is written back with X-Pwa-Hub-* headers.
package proxy
