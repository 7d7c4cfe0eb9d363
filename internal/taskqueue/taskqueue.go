package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler 任务处理器，每次调度调用一次，必须立即返回
type Handler interface {
	Handle(t *Task)
}

// HandlerFunc 函数形式的 Handler
type HandlerFunc func(t *Task)

// Handle 实现 Handler
func (f HandlerFunc) Handle(t *Task) {
	f(t)
}

// Finder 任务查找谓词
type Finder func(t *Task) bool

// Task 可被反复轮询直到完成的任务
type Task struct {
	Title    string
	Handler  Handler
	Callback func(t *Task)
	Data     interface{}

	mu       sync.Mutex
	progress int
	finished bool
}

// SetProgress 设置进度（0-100）
func (t *Task) SetProgress(progress int) {
	t.mu.Lock()
	t.progress = progress
	t.mu.Unlock()
}

// Progress 返回进度
func (t *Task) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// SetFinished 标记任务完成
func (t *Task) SetFinished(finished bool) {
	t.mu.Lock()
	t.finished = finished
	t.mu.Unlock()
}

// Finished 任务是否完成
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Queue 协作式任务队列
//
// Tick 依次调用每个未完成任务的处理器一次，完成的任务出队并调用其回调。
// 同一时刻只有一个 Tick 在执行。
type Queue struct {
	logger   *logrus.Logger
	interval time.Duration

	mutex  sync.Mutex
	tasks  []*Task
	tickMu sync.Mutex
}

// DefaultInterval 默认调度间隔
const DefaultInterval = 50 * time.Millisecond

// New 创建任务队列
func New(logger *logrus.Logger, interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Queue{
		logger:   logger,
		interval: interval,
	}
}

// Push 任务入队
func (q *Queue) Push(t *Task) {
	q.mutex.Lock()
	q.tasks = append(q.tasks, t)
	q.mutex.Unlock()

	q.logger.WithField("task", t.Title).Debug("任务入队")
}

// PushUnless 在没有满足 busy 的任务时入队，检查与入队是一个原子步骤
//
// prepare 在检查通过后、任务可见前执行，返回错误时不入队。
// 返回 false 且错误为 nil 表示队列中已有冲突任务。
func (q *Queue) PushUnless(busy Finder, t *Task, prepare func() error) (bool, error) {
	q.mutex.Lock()
	if q.find(busy) {
		q.mutex.Unlock()
		return false, nil
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			q.mutex.Unlock()
			return false, err
		}
	}
	q.tasks = append(q.tasks, t)
	q.mutex.Unlock()

	q.logger.WithField("task", t.Title).Debug("任务入队")
	return true, nil
}

// Find 是否存在满足谓词的任务
func (q *Queue) Find(fn Finder) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.find(fn)
}

func (q *Queue) find(fn Finder) bool {
	for _, t := range q.tasks {
		if fn(t) {
			return true
		}
	}
	return false
}

// Len 返回队列中的任务数
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.tasks)
}

// Tick 执行一轮调度
func (q *Queue) Tick() {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()

	q.mutex.Lock()
	pending := make([]*Task, len(q.tasks))
	copy(pending, q.tasks)
	q.mutex.Unlock()

	for _, t := range pending {
		if !t.Finished() {
			t.Handler.Handle(t)
		}
	}

	var done []*Task
	q.mutex.Lock()
	remaining := q.tasks[:0]
	for _, t := range q.tasks {
		if t.Finished() {
			done = append(done, t)
			continue
		}
		remaining = append(remaining, t)
	}
	for i := len(remaining); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = remaining
	q.mutex.Unlock()

	for _, t := range done {
		q.logger.WithFields(logrus.Fields{
			"task":     t.Title,
			"progress": t.Progress(),
		}).Debug("任务完成")

		if t.Callback != nil {
			t.Callback(t)
		}
	}
}

// Run 按固定间隔调度，直到 ctx 结束
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Tick()
		}
	}
}

// Wait 在 cond 返回 true 期间持续调度，直到 cond 返回 false 或 ctx 结束
func (q *Queue) Wait(ctx context.Context, cond func() bool) error {
	for cond() {
		q.Tick()
		if !cond() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.interval):
		}
	}
	return nil
}
