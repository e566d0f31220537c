package lifecycle

import "time"

// State 对应 ServiceWorker.state。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Observer 接收状态变化通知，用于指标统计。
type Observer interface {
	WorkerStateChanged(scope, version string, state State)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(scope, version string, state State)

func (f ObserverFunc) WorkerStateChanged(scope, version string, state State) {
	f(scope, version, state)
}

// WorkerInfo 描述一个 Worker 实例。
type WorkerInfo struct {
	Version string    `json:"version"`
	State   State     `json:"state"`
	Since   time.Time `json:"since"`
}

// Snapshot 是 Host 当前状态的只读快照，供诊断接口输出。
type Snapshot struct {
	Scope       string      `json:"scope"`
	Active      *WorkerInfo `json:"active,omitempty"`
	Waiting     *WorkerInfo `json:"waiting,omitempty"`
	Installing  *WorkerInfo `json:"installing,omitempty"`
	Controlling bool        `json:"controlling"`
	LastError   string      `json:"last_error,omitempty"`
}
