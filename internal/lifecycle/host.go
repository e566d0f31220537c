package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/fetch"
)

var (
	// ErrNoController 表示当前没有 Worker 控制该 Scope 的请求。
	ErrNoController = errors.New("no controlling worker")
	// ErrUnchanged 表示部署的版本与当前（或等待中的）版本一致。
	ErrUnchanged = errors.New("worker version unchanged")
	// ErrNoWaiting 表示没有等待激活的 Worker。
	ErrNoWaiting = errors.New("no waiting worker")
)

type instance struct {
	version string
	worker  Worker

	state       State
	since       time.Time
	skipWaiting bool
	claimed     bool
}

func (i *instance) info() *WorkerInfo {
	if i == nil {
		return nil
	}
	return &WorkerInfo{Version: i.version, State: i.state, Since: i.since}
}

// Host 托管单个 Scope 的 Worker。deployMu 串行化 Deploy/Promote，
// 保证安装完成后才激活；mu 只保护状态字段，fetch 派发时不持有锁。
type Host struct {
	scope    string
	logger   *logrus.Logger
	observer Observer

	deployMu sync.Mutex

	mu          sync.RWMutex
	active      *instance
	waiting     *instance
	installing  *instance
	controlling bool
	lastErr     error
}

// NewHost 创建 Host；observer 可为空。
func NewHost(scope string, logger *logrus.Logger, observer Observer) *Host {
	if logger == nil {
		logger = logrus.New()
	}
	return &Host{scope: scope, logger: logger, observer: observer}
}

// Scope 返回 Host 所属的 Scope 名称。
func (h *Host) Scope() string {
	return h.scope
}

// Deploy 安装新版本 Worker。安装失败时新 Worker 变为 redundant，原控制者不受影响。
// 安装成功后，若 Worker 调用了 SkipWaiting 或当前没有激活的 Worker，则立即激活；
// 否则进入 waiting，等待 Promote。
func (h *Host) Deploy(ctx context.Context, version string, w Worker) error {
	if w == nil {
		return errors.New("worker required")
	}
	h.deployMu.Lock()
	defer h.deployMu.Unlock()

	h.mu.RLock()
	unchanged := (h.active != nil && h.active.version == version) ||
		(h.waiting != nil && h.waiting.version == version)
	h.mu.RUnlock()
	if unchanged {
		return ErrUnchanged
	}

	inst := &instance{version: version, worker: w}
	h.mu.Lock()
	h.installing = inst
	h.mu.Unlock()
	h.transition(inst, StateInstalling)

	if err := w.Install(ctx, &controls{host: h, inst: inst}); err != nil {
		h.mu.Lock()
		h.installing = nil
		h.lastErr = err
		h.mu.Unlock()
		h.transition(inst, StateRedundant)
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "lifecycle",
			"scope":   h.scope,
			"version": version,
		}).Warn("worker_install_failed")
		return fmt.Errorf("install %s: %w", version, err)
	}

	h.mu.Lock()
	h.installing = nil
	replaced := h.waiting
	h.waiting = nil
	h.lastErr = nil
	activateNow := inst.skipWaiting || h.active == nil
	if !activateNow {
		h.waiting = inst
	}
	h.mu.Unlock()
	h.transition(inst, StateInstalled)
	if replaced != nil {
		h.transition(replaced, StateRedundant)
	}

	if !activateNow {
		return nil
	}
	return h.activate(ctx, inst)
}

// Restore 恢复进程重启前已激活的 Worker：直接成为 active 并控制请求，
// 不重新执行 install/activate。仅在当前没有 active Worker 时可用。
func (h *Host) Restore(version string, w Worker) error {
	if w == nil {
		return errors.New("worker required")
	}
	h.deployMu.Lock()
	defer h.deployMu.Unlock()

	h.mu.Lock()
	if h.active != nil {
		h.mu.Unlock()
		return fmt.Errorf("restore %s: scope %s already has an active worker", version, h.scope)
	}
	inst := &instance{version: version, worker: w, claimed: true}
	h.active = inst
	h.controlling = true
	h.mu.Unlock()

	h.transition(inst, StateActivated)
	return nil
}

// Promote 激活等待中的 Worker，对应所有旧客户端关闭后的自动激活。
func (h *Host) Promote(ctx context.Context) error {
	h.deployMu.Lock()
	defer h.deployMu.Unlock()

	h.mu.Lock()
	inst := h.waiting
	h.waiting = nil
	h.mu.Unlock()
	if inst == nil {
		return ErrNoWaiting
	}
	return h.activate(ctx, inst)
}

// activate 调用方须持有 deployMu。激活处理返回错误时 Worker 仍成为 active，
// Host 不做回滚，只把错误返回给调用方。
func (h *Host) activate(ctx context.Context, inst *instance) error {
	h.transition(inst, StateActivating)
	activateErr := inst.worker.Activate(ctx, &controls{host: h, inst: inst})

	h.mu.Lock()
	previous := h.active
	h.active = inst
	// 已被控制的客户端随之切换到新 Worker；未被控制的只有 claim 后才接管。
	if inst.claimed {
		h.controlling = true
	}
	if activateErr != nil {
		h.lastErr = activateErr
	}
	h.mu.Unlock()

	h.transition(inst, StateActivated)
	if previous != nil {
		h.transition(previous, StateRedundant)
	}

	if activateErr != nil {
		h.logger.WithError(activateErr).WithFields(logrus.Fields{
			"action":  "lifecycle",
			"scope":   h.scope,
			"version": inst.version,
		}).Warn("worker_activate_failed")
		return fmt.Errorf("activate %s: %w", inst.version, activateErr)
	}
	return nil
}

// Dispatch 把 fetch 事件交给控制者。未被控制时，导航请求会让 active Worker
// 接管（等同于页面重新加载），其余请求返回 ErrNoController。
func (h *Host) Dispatch(ctx context.Context, req *fetch.Request) (*Result, error) {
	h.mu.RLock()
	active := h.active
	controlling := h.controlling
	h.mu.RUnlock()

	if active == nil {
		return nil, ErrNoController
	}
	if !controlling {
		if !req.IsNavigation() {
			return nil, ErrNoController
		}
		h.mu.Lock()
		if h.active == active {
			h.controlling = true
		}
		h.mu.Unlock()
	}
	return active.worker.Fetch(ctx, req)
}

// ActiveVersion 返回当前激活的版本，没有时为空字符串。
func (h *Host) ActiveVersion() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return ""
	}
	return h.active.version
}

// Snapshot 返回当前状态。
func (h *Host) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := Snapshot{
		Scope:       h.scope,
		Active:      h.active.info(),
		Waiting:     h.waiting.info(),
		Installing:  h.installing.info(),
		Controlling: h.controlling,
	}
	if h.lastErr != nil {
		snap.LastError = h.lastErr.Error()
	}
	return snap
}

func (h *Host) transition(inst *instance, state State) {
	h.mu.Lock()
	inst.state = state
	inst.since = time.Now().UTC()
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"action":  "lifecycle",
		"scope":   h.scope,
		"version": inst.version,
		"state":   string(state),
	}).Info("worker_state")
	if h.observer != nil {
		h.observer.WorkerStateChanged(h.scope, inst.version, state)
	}
}

// controls 绑定到具体 Worker 实例，避免旧 Worker 的调用影响新实例。
type controls struct {
	host *Host
	inst *instance
}

func (c *controls) SkipWaiting() {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.inst.state == StateRedundant {
		return
	}
	c.inst.skipWaiting = true
}

func (c *controls) Claim() {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if c.inst.state == StateRedundant {
		return
	}
	c.inst.claimed = true
	if c.host.active == c.inst {
		c.host.controlling = true
	}
}
