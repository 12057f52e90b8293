package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"divalert/internal/logger"
)

// JobState 是回测任务的生命周期状态。
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job 是一次异步回测的可见状态。
type Job struct {
	ID         string   `json:"id"`
	State      JobState `json:"state"`
	Request    Request  `json:"request"`
	Result     *Result  `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	FinishedAt int64    `json:"finished_at,omitempty"`
}

// Runner 管理异步回测任务：Submit 立即返回 uuid，任务在后台执行，
// 之后凭 id 轮询结果。任务状态只增不减，进程内常驻。
type Runner struct {
	engine *Engine

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRunner(engine *Engine) *Runner {
	return &Runner{engine: engine, jobs: make(map[string]*Job)}
}

// Submit 提交一次回测，返回任务 id。参数校验在后台执行时进行，
// 校验失败的任务以 failed 状态可查。
func (r *Runner) Submit(req Request) string {
	id := uuid.NewString()
	job := &Job{
		ID:        id,
		State:     JobRunning,
		Request:   req,
		CreatedAt: time.Now().UnixMilli(),
	}
	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		res, err := r.engine.Run(ctx, req)
		r.mu.Lock()
		defer r.mu.Unlock()
		job.FinishedAt = time.Now().UnixMilli()
		if err != nil {
			job.State = JobFailed
			job.Error = err.Error()
			logger.Warnf("backtest[%s]: 失败: %v", id, err)
			return
		}
		job.State = JobDone
		job.Result = &res
	}()
	return id
}

// Get 返回任务快照。
func (r *Runner) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("未知任务: %s", id)
	}
	return *job, nil
}

// List 返回全部任务快照，按创建时间倒序。
func (r *Runner) List() []Job {
	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}
