package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vidqueue/vidqueue/internal/engine"
	"github.com/vidqueue/vidqueue/internal/model"
	"github.com/vidqueue/vidqueue/internal/progress"
	"github.com/vidqueue/vidqueue/internal/queuestore"
	"github.com/vidqueue/vidqueue/internal/scheduler"
)

// fakeRunner blocks each job on a per-job gate so tests control exactly when
// executions finish.
type fakeRunner struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	errs    map[string]error
	started []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		gates: make(map[string]chan struct{}),
		errs:  make(map[string]error),
	}
}

func (r *fakeRunner) gate(id string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[id]
	if !ok {
		g = make(chan struct{})
		r.gates[id] = g
	}
	return g
}

// finish releases the job's gate. Call at most once per job.
func (r *fakeRunner) finish(id string) {
	close(r.gate(id))
}

func (r *fakeRunner) failWith(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[id] = err
}

func (r *fakeRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	copy(out, r.started)
	return out
}

func (r *fakeRunner) Run(ctx context.Context, job *model.Job, onProgress func(percent float64, message string)) (string, int64, error) {
	r.mu.Lock()
	r.started = append(r.started, job.ID)
	r.mu.Unlock()

	if onProgress != nil {
		onProgress(10, "Downloading")
	}

	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	case <-r.gate(job.ID):
	}

	r.mu.Lock()
	err := r.errs[job.ID]
	r.mu.Unlock()
	if err != nil {
		return "", 0, err
	}
	return "/downloads/" + job.ID + ".mp4", 2048, nil
}

var _ = Describe("Scheduler", func() {
	var (
		ctx    context.Context
		store  queuestore.Store
		runner *fakeRunner
		broker *progress.Broker
		sched  *scheduler.Scheduler
		seq    int
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = queuestore.NewInMemoryStore()
		runner = newFakeRunner()
		broker = progress.NewBroker(64, testLogger())
		seq = 0
	})

	create := func(maxConcurrent int) {
		cfg := scheduler.Config{
			MaxConcurrent: maxConcurrent,
			Tick:          10 * time.Millisecond,
		}
		sched = scheduler.New(store, runner, broker, cfg, testLogger())
	}

	startSched := func() {
		Expect(sched.Start(ctx)).To(Succeed())
		DeferCleanup(sched.Stop)
	}

	start := func(maxConcurrent int) {
		create(maxConcurrent)
		startSched()
	}

	newJob := func(priority int) *model.Job {
		seq++
		return &model.Job{
			ID:       fmt.Sprintf("job-%d", seq),
			Owner:    "alice",
			URL:      "https://www.youtube.com/watch?v=abc",
			Platform: "youtube",
			Priority: priority,
		}
	}

	enqueue := func(job *model.Job) string {
		id, err := sched.Enqueue(ctx, job)
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	processingCount := func() int {
		stats, err := store.Stats(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		return stats.Processing
	}

	statusOf := func(id string) model.JobStatus {
		job, err := store.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return job.Status
	}

	Describe("promotion", func() {
		It("runs at most MaxConcurrent jobs at once", func() {
			start(2)
			var ids []string
			for i := 0; i < 5; i++ {
				ids = append(ids, enqueue(newJob(0)))
			}

			Eventually(processingCount).Should(Equal(2))
			Consistently(processingCount, 100*time.Millisecond).Should(BeNumerically("<=", 2))

			runner.finish(ids[0])
			Eventually(func() int { return len(runner.startedIDs()) }).Should(Equal(3))
			Consistently(processingCount, 100*time.Millisecond).Should(BeNumerically("<=", 2))

			for _, id := range ids[1:] {
				runner.finish(id)
			}
			Eventually(func() int {
				stats, err := store.Stats(ctx, "")
				Expect(err).NotTo(HaveOccurred())
				return stats.Completed
			}).Should(Equal(5))
		})

		It("promotes higher priority jobs first", func() {
			low := newJob(1)
			high := newJob(5)
			mid := newJob(3)

			// Queue everything before promotion begins.
			create(1)
			first := enqueue(low)
			second := enqueue(high)
			third := enqueue(mid)
			startSched()

			Eventually(runner.startedIDs).Should(Equal([]string{second}))
			runner.finish(second)
			Eventually(runner.startedIDs).Should(Equal([]string{second, third}))
			runner.finish(third)
			Eventually(runner.startedIDs).Should(Equal([]string{second, third, first}))
			runner.finish(first)
		})
	})

	Describe("completion", func() {
		It("records the artifact and publishes a terminal event", func() {
			start(1)
			id := enqueue(newJob(0))
			events, cancelSub := broker.Subscribe(id)
			DeferCleanup(cancelSub)

			Eventually(runner.startedIDs).Should(ContainElement(id))
			runner.finish(id)

			Eventually(func() model.JobStatus { return statusOf(id) }).Should(Equal(model.JobStatusCompleted))

			job, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ResultPath).To(Equal("/downloads/" + id + ".mp4"))
			Expect(job.ResultSize).To(Equal(int64(2048)))

			Eventually(events).Should(Receive(WithTransform(func(ev model.ProgressEvent) bool {
				return ev.Terminal && ev.Status == model.JobStatusCompleted
			}, BeTrue())))
		})

		It("records a failure with a short generic message", func() {
			start(1)
			job := newJob(0)
			runner.failWith(job.ID, errors.New("all fetch strategies failed: exit status 1"))
			id := enqueue(job)

			Eventually(runner.startedIDs).Should(ContainElement(id))
			runner.finish(id)

			Eventually(func() model.JobStatus { return statusOf(id) }).Should(Equal(model.JobStatusFailed))
			stored, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Error).To(Equal("Download failed: all fetch strategies failed"))
		})

		It("maps an access-blocked failure onto a login message", func() {
			start(1)
			job := newJob(0)
			runner.failWith(job.ID, &engine.UnavailableError{Kind: engine.UnavailableAccessBlocked, Detail: "sign in to confirm"})
			id := enqueue(job)

			Eventually(runner.startedIDs).Should(ContainElement(id))
			runner.finish(id)

			Eventually(func() model.JobStatus { return statusOf(id) }).Should(Equal(model.JobStatusFailed))
			stored, err := store.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Error).To(ContainSubstring("requires login"))
			Expect(stored.Error).NotTo(ContainSubstring("sign in to confirm"))
		})
	})

	Describe("Cancel", func() {
		It("cancels a queued job before promotion", func() {
			start(1)
			blocking := enqueue(newJob(5))
			Eventually(runner.startedIDs).Should(ContainElement(blocking))

			queued := enqueue(newJob(0))
			ok, err := sched.Cancel(ctx, queued, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(statusOf(queued)).To(Equal(model.JobStatusCancelled))

			runner.finish(blocking)
			Consistently(runner.startedIDs, 100*time.Millisecond).ShouldNot(ContainElement(queued))
		})

		It("signals a processing job owned by the caller", func() {
			start(1)
			id := enqueue(newJob(0))
			Eventually(runner.startedIDs).Should(ContainElement(id))

			ok, err := sched.Cancel(ctx, id, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			Eventually(func() model.JobStatus { return statusOf(id) }).Should(Equal(model.JobStatusCancelled))
		})

		It("refuses another owner's job", func() {
			start(1)
			id := enqueue(newJob(0))
			Eventually(runner.startedIDs).Should(ContainElement(id))

			ok, err := sched.Cancel(ctx, id, "mallory")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			runner.finish(id)
			Eventually(func() model.JobStatus { return statusOf(id) }).Should(Equal(model.JobStatusCompleted))
		})

		It("reports a ghost job", func() {
			start(1)
			_, err := sched.Cancel(ctx, "no-such-job", "alice")
			Expect(err).To(MatchError(queuestore.ErrNotFound))
		})
	})

	Describe("SubmitInteractive", func() {
		It("fails fast when every slot is busy", func() {
			start(1)
			blocking := enqueue(newJob(0))
			Eventually(runner.startedIDs).Should(ContainElement(blocking))

			_, _, err := sched.SubmitInteractive(ctx, newJob(0))
			Expect(err).To(MatchError(scheduler.ErrNoCapacity))

			runner.finish(blocking)
		})

		It("runs immediately when a slot is free", func() {
			start(2)
			job := newJob(0)
			runner.finish(job.ID) // pre-open the gate so Run returns at once

			path, size, err := sched.SubmitInteractive(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal("/downloads/" + job.ID + ".mp4"))
			Expect(size).To(Equal(int64(2048)))
		})

		It("rejects an inverted trim range up front", func() {
			start(1)
			job := newJob(0)
			job.Trim = &model.TrimRange{Start: 30, End: 10}
			_, _, err := sched.SubmitInteractive(ctx, job)
			Expect(err).To(HaveOccurred())
			Expect(runner.startedIDs()).To(BeEmpty())
		})
	})

	Describe("SetMaxConcurrent", func() {
		It("clamps the limit to the supported range", func() {
			start(2)
			Expect(sched.SetMaxConcurrent(0)).To(Equal(1))
			Expect(sched.SetMaxConcurrent(99)).To(Equal(10))
			Expect(sched.SetMaxConcurrent(4)).To(Equal(4))
			Expect(sched.MaxConcurrent()).To(Equal(4))
		})

		It("applies a raised limit on the next tick", func() {
			start(1)
			var ids []string
			for i := 0; i < 3; i++ {
				ids = append(ids, enqueue(newJob(0)))
			}
			Eventually(processingCount).Should(Equal(1))

			sched.SetMaxConcurrent(3)
			Eventually(processingCount).Should(Equal(3))

			for _, id := range ids {
				runner.finish(id)
			}
		})
	})
})
