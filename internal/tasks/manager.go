package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/logger"
)

// Manager 后台任务管理器。任务分两类：
// Register 注册的任务随 Start 立即进入循环；
// StartAfterWarmup 注册的任务等预热信号后才开始跑。
type Manager struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	tasks      map[string]*Task
	mu         sync.RWMutex
	warmupDone chan struct{}
}

// Task 后台任务
type Task struct {
	Name     string
	Interval time.Duration
	Handler  func(ctx context.Context) error
	Running  bool
	LastRun  time.Time
	LastErr  error
}

// TaskStatus 任务状态快照
type TaskStatus struct {
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	LastRun time.Time `json:"last_run"`
	LastErr string    `json:"last_error,omitempty"`
}

// NewManager 创建任务管理器
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*Task),
		warmupDone: make(chan struct{}),
	}
}

// Register 注册任务，Start 时进入循环
func (m *Manager) Register(name string, interval time.Duration, handler func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[name] = &Task{
		Name:     name,
		Interval: interval,
		Handler:  handler,
	}

	logger.Info("后台任务已注册", zap.String("task", name), zap.Duration("interval", interval))
}

// Start 启动所有已注册任务
func (m *Manager) Start() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logger.Info("启动后台任务管理器", zap.Int("task_count", len(m.tasks)))

	for name, task := range m.tasks {
		m.wg.Add(1)
		go m.runTask(name, task)
	}
}

// StartAfterWarmup 注册并启动一个等预热完成后才执行的任务
func (m *Manager) StartAfterWarmup(name string, interval time.Duration, handler func(ctx context.Context) error) {
	m.mu.Lock()
	task := &Task{
		Name:     name,
		Interval: interval,
		Handler:  handler,
	}
	m.tasks[name] = task
	m.mu.Unlock()

	logger.Info("后台任务已注册（预热后启动）", zap.String("task", name), zap.Duration("interval", interval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-m.warmupDone:
			logger.Info("预热完成，启动任务", zap.String("task", name))
		case <-m.ctx.Done():
			return
		}

		m.runTaskLoop(name, task)
	}()
}

// SignalWarmupDone 通知预热完成，只允许调用一次
func (m *Manager) SignalWarmupDone() {
	close(m.warmupDone)
	logger.Info("后台任务预热信号已发送")
}

// IsWarmupDone 预热是否已完成
func (m *Manager) IsWarmupDone() bool {
	select {
	case <-m.warmupDone:
		return true
	default:
		return false
	}
}

func (m *Manager) runTask(name string, task *Task) {
	defer m.wg.Done()
	m.runTaskLoop(name, task)
}

// runTaskLoop 先立即执行一次，之后按间隔触发
func (m *Manager) runTaskLoop(name string, task *Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	m.executeTask(name, task)

	for {
		select {
		case <-m.ctx.Done():
			logger.Info("后台任务已停止", zap.String("task", name))
			return
		case <-ticker.C:
			m.executeTask(name, task)
		}
	}
}

func (m *Manager) executeTask(name string, task *Task) {
	m.mu.Lock()
	task.Running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		task.Running = false
		task.LastRun = time.Now()
		m.mu.Unlock()
	}()

	if err := task.Handler(m.ctx); err != nil {
		m.mu.Lock()
		task.LastErr = err
		m.mu.Unlock()
		logger.Error("后台任务执行失败", zap.String("task", name), zap.Error(err))
	}
}

// Stop 停止所有任务并等待退出
func (m *Manager) Stop() {
	logger.Info("正在停止后台任务管理器...")
	m.cancel()
	m.wg.Wait()
	logger.Info("后台任务管理器已停止")
}

// GetStatus 全部任务的状态快照
func (m *Manager) GetStatus() []TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(m.tasks))
	for _, task := range m.tasks {
		status := TaskStatus{
			Name:    task.Name,
			Running: task.Running,
			LastRun: task.LastRun,
		}
		if task.LastErr != nil {
			status.LastErr = task.LastErr.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}
