package natt

import (
	"context"
	"sync"

	"netplay-natt/internal/taskqueue"

	"github.com/sirupsen/logrus"
)

const taskTitle = "NAT traversal"

// Options 穿透选项
type Options struct {
	Client     Client
	Interfaces InterfaceLister
	Resolver   Resolver
	Protocol   Protocol

	// OnFinished 打开协商结束后调用一次，不携带结果，调用方读取 Request。
	// 关闭链只通过 Pending.Done 通知。回调在调度中执行，不能同步调用 Start 或 Close。
	OnFinished func(req *Request)
}

// Traversal 将状态机绑定到任务队列
type Traversal struct {
	queue  *taskqueue.Queue
	opts   Options
	logger *logrus.Logger
	req    *Request

	mutex sync.Mutex
}

// Pending 已入队的协商
type Pending struct {
	req  *Request
	task *taskqueue.Task
	done chan struct{}
}

// Done 协商结束时关闭
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait 等待协商结束
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress 返回任务进度
func (p *Pending) Progress() int {
	return p.task.Progress()
}

// Request 返回协商使用的请求
func (p *Pending) Request() *Request {
	return p.req
}

// NewTraversal 创建穿透适配器，req 由调用方持有，为 nil 时自动分配
func NewTraversal(queue *taskqueue.Queue, req *Request, opts Options, logger *logrus.Logger) *Traversal {
	if req == nil {
		req = &Request{}
	}
	if opts.Protocol == ProtocolUnknown {
		opts.Protocol = ProtocolTCP
	}
	return &Traversal{
		queue:  queue,
		opts:   opts,
		logger: logger,
		req:    req,
	}
}

// Request 返回共享的映射请求，调用方在完成通知之后读取
func (t *Traversal) Request() *Request {
	return t.req
}

// IsTraversalTask 判断任务是否为NAT穿透任务
func IsTraversalTask(task *taskqueue.Task) bool {
	if task == nil {
		return false
	}
	_, ok := task.Handler.(*Negotiation)
	return ok
}

func (t *Traversal) queued() bool {
	return t.queue.Find(IsTraversalTask)
}

// Start 开始为本地端口建立映射，只有无法入队时返回 false
func (t *Traversal) Start(ctx context.Context, port uint16) (*Pending, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pending, err := t.enqueue(ctx, false, func() error {
		*t.req = Request{
			Family:       FamilyIPv4,
			Port:         port,
			InternalPort: port,
			Proto:        t.opts.Protocol,
			ForwardType:  ForwardTypeUnset,
			Status:       StatusDiscovery,
		}
		return nil
	})
	if err != nil {
		t.logger.WithError(err).Warn("等待NAT任务结束失败")
		return nil, false
	}

	t.logger.WithFields(logrus.Fields{
		"port":     port,
		"protocol": t.opts.Protocol.String(),
	}).Info("开始NAT穿透")
	return pending, true
}

// Close 关闭已打开的映射；映射未打开或请求字段不一致时返回 false
func (t *Traversal) Close(ctx context.Context) (*Pending, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pending, err := t.enqueue(ctx, true, func() error {
		if err := t.req.closable(); err != nil {
			return err
		}
		t.req.Status = StatusClose
		return nil
	})
	if err != nil {
		t.logger.WithError(err).Warn("无法关闭端口映射")
		return nil, false
	}

	t.logger.WithFields(logrus.Fields{
		"external_addr": t.req.Addr(),
		"protocol":      t.req.Proto.String(),
	}).Info("开始关闭端口映射")
	return pending, true
}

// enqueue 等待队列中没有NAT任务，然后原子地检查、准备请求并入队。
// 多个 Traversal 共用一个队列时，检查和入队之间不会插入其他NAT任务。
func (t *Traversal) enqueue(ctx context.Context, closing bool, prepare func() error) (*Pending, error) {
	pending := &Pending{
		req:  t.req,
		done: make(chan struct{}),
	}
	pending.task = &taskqueue.Task{
		Title:   taskTitle,
		Handler: NewNegotiation(t.req, t.opts.Client, t.opts.Interfaces, t.opts.Resolver, t.logger),
		Data:    t.req,
		Callback: func(task *taskqueue.Task) {
			// 关闭链只关闭通道，不触发完成回调
			if !closing && t.opts.OnFinished != nil {
				t.opts.OnFinished(t.req)
			}
			close(pending.done)
		},
	}

	for {
		if err := t.queue.Wait(ctx, t.queued); err != nil {
			return nil, err
		}
		pushed, err := t.queue.PushUnless(IsTraversalTask, pending.task, prepare)
		if err != nil {
			return nil, err
		}
		if pushed {
			return pending, nil
		}
	}
}

// Handle 实现 taskqueue.Handler
func (n *Negotiation) Handle(task *taskqueue.Task) {
	outcome := n.Poll()
	if outcome == OutcomeRunning {
		task.SetProgress(progressOf(n.req.Status))
		return
	}
	task.SetProgress(100)
	task.SetFinished(true)
}

// progressOf 按状态估算进度
func progressOf(s Status) int {
	if s.IsClosePath() {
		return int(s-StatusClose) * 100 / int(StatusClosed-StatusClose)
	}
	return int(s) * 100 / int(StatusOpened)
}
