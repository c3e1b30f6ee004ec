// timer/timer.go
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Task 一个延迟执行的任务
type Task struct {
	Key      string
	Execute  time.Time
	Callback func()
	index    int
	canceled bool
}

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return q[i].Execute.Before(q[j].Execute)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	n := len(*q)
	task := x.(*Task)
	task.index = n
	*q = append(*q, task)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	task.index = -1
	*q = old[0 : n-1]
	return task
}

// Manager 按 key 管理可取消的延迟任务
// 同一个 key 重复调度会先取消之前的任务
type Manager struct {
	queue     taskQueue
	byKey     map[string]*Task
	mutex     sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewManager 创建定时器管理器并启动调度循环
func NewManager() *Manager {
	m := &Manager{
		queue:     make(taskQueue, 0),
		byKey:     make(map[string]*Task),
		closeChan: make(chan struct{}),
	}
	heap.Init(&m.queue)
	go m.process()
	return m
}

// Schedule 在 delay 之后执行 callback，隐式取消该 key 之前的任务
func (m *Manager) Schedule(key string, delay time.Duration, callback func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if prev, exists := m.byKey[key]; exists {
		m.removeLocked(prev)
	}

	task := &Task{
		Key:      key,
		Execute:  time.Now().Add(delay),
		Callback: callback,
	}
	m.byKey[key] = task
	heap.Push(&m.queue, task)
}

// Cancel 取消该 key 的待执行任务，不存在时为空操作
func (m *Manager) Cancel(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if task, exists := m.byKey[key]; exists {
		m.removeLocked(task)
	}
}

// Pending 返回该 key 是否有待执行的任务
func (m *Manager) Pending(key string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, exists := m.byKey[key]
	return exists
}

// Close 停止调度循环，丢弃所有未执行的任务
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closeChan)
	})
}

func (m *Manager) removeLocked(task *Task) {
	task.canceled = true
	if task.index >= 0 {
		heap.Remove(&m.queue, task.index)
	}
	delete(m.byKey, task.Key)
}

func (m *Manager) process() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.fireDue(time.Now())
		case <-m.closeChan:
			return
		}
	}
}

func (m *Manager) fireDue(now time.Time) {
	m.mutex.Lock()
	var due []*Task
	for m.queue.Len() > 0 {
		task := m.queue[0]
		if task.Execute.After(now) {
			break
		}
		heap.Pop(&m.queue)
		delete(m.byKey, task.Key)
		if !task.canceled {
			due = append(due, task)
		}
	}
	m.mutex.Unlock()

	// 回调在锁外执行，允许回调里再次调度或取消
	for _, task := range due {
		go task.Callback()
	}
}
