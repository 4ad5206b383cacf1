package queuestore_test

import (
	"context"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vidqueue/vidqueue/internal/model"
	"github.com/vidqueue/vidqueue/internal/queuestore"
)

func newJob(id string, priority int) *model.Job {
	return &model.Job{
		ID:       id,
		Owner:    "alice",
		URL:      "https://example.com/watch?v=" + id,
		Platform: "youtube",
		Priority: priority,
		Status:   model.JobStatusQueued,
	}
}

// describeStore asserts the Store contract against one backend. Every
// backend must pass identically.
func describeStore(name string, factory func() queuestore.Store) bool {
	return Describe(name, func() {
		var (
			store queuestore.Store
			ctx   context.Context
		)

		BeforeEach(func() {
			ctx = context.Background()
			store = factory()
		})

		AfterEach(func() {
			if store != nil {
				_ = store.Close()
			}
		})

		Describe("Enqueue", func() {
			It("stores a queued job and returns its ID", func() {
				id, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(Equal("job-1"))

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(model.JobStatusQueued))
				Expect(job.FormatSelector).To(Equal("best"))
				Expect(job.StatusMessage).To(Equal("Added to queue"))
			})

			It("rejects a job without an owner", func() {
				job := newJob("job-1", 0)
				job.Owner = ""
				_, err := store.Enqueue(ctx, job)
				Expect(err).To(HaveOccurred())
			})

			It("rejects a job with an inverted trim range", func() {
				job := newJob("job-1", 0)
				job.Trim = &model.TrimRange{Start: 20, End: 10}
				_, err := store.Enqueue(ctx, job)
				Expect(err).To(HaveOccurred())
			})

			It("rejects a duplicate job ID", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				_, err = store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).To(HaveOccurred())
			})
		})

		Describe("NextReady", func() {
			It("orders by priority descending", func() {
				for i, priority := range []int{1, 5, 3} {
					_, err := store.Enqueue(ctx, newJob(fmt.Sprintf("job-%d", i), priority))
					Expect(err).NotTo(HaveOccurred())
				}

				ready, err := store.NextReady(ctx, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(ready).To(HaveLen(3))
				Expect(ready[0].Priority).To(Equal(5))
				Expect(ready[1].Priority).To(Equal(3))
				Expect(ready[2].Priority).To(Equal(1))
			})

			It("breaks priority ties in enqueue order", func() {
				for _, id := range []string{"first", "second", "third"} {
					_, err := store.Enqueue(ctx, newJob(id, 2))
					Expect(err).NotTo(HaveOccurred())
				}

				ready, err := store.NextReady(ctx, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(ready[0].ID).To(Equal("first"))
				Expect(ready[1].ID).To(Equal("second"))
				Expect(ready[2].ID).To(Equal("third"))
			})

			It("limits results to n", func() {
				for i := 0; i < 5; i++ {
					_, err := store.Enqueue(ctx, newJob(fmt.Sprintf("job-%d", i), 0))
					Expect(err).NotTo(HaveOccurred())
				}

				ready, err := store.NextReady(ctx, 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(ready).To(HaveLen(2))
			})

			It("does not mutate the selected jobs", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())

				_, err = store.NextReady(ctx, 1)
				Expect(err).NotTo(HaveOccurred())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(model.JobStatusQueued))
			})

			It("excludes non-queued jobs", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")).To(Succeed())

				ready, err := store.NextReady(ctx, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(ready).To(BeEmpty())
			})
		})

		Describe("UpdateStatus", func() {
			BeforeEach(func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
			})

			It("moves queued to processing and stamps StartedAt", func() {
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")).To(Succeed())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(model.JobStatusProcessing))
				Expect(job.StartedAt).NotTo(BeNil())
			})

			It("records the failure message", func() {
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")).To(Succeed())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusFailed, "network down")).To(Succeed())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(model.JobStatusFailed))
				Expect(job.Error).To(Equal("network down"))
				Expect(job.CompletedAt).NotTo(BeNil())
			})

			It("rejects resurrecting a terminal job", func() {
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusCancelled, "")).To(Succeed())

				err := store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")
				Expect(err).To(MatchError(queuestore.ErrInvalidTransition))
			})

			It("rejects queued to completed", func() {
				err := store.UpdateStatus(ctx, "job-1", model.JobStatusCompleted, "")
				Expect(err).To(MatchError(queuestore.ErrInvalidTransition))
			})

			It("returns ErrNotFound for unknown jobs", func() {
				err := store.UpdateStatus(ctx, "ghost", model.JobStatusProcessing, "")
				Expect(err).To(MatchError(queuestore.ErrNotFound))
			})
		})

		Describe("Complete", func() {
			It("records the artifact on a processing job", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")).To(Succeed())

				Expect(store.Complete(ctx, "job-1", "/data/job-1.mp4", 4096)).To(Succeed())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(model.JobStatusCompleted))
				Expect(job.ResultPath).To(Equal("/data/job-1.mp4"))
				Expect(job.ResultSize).To(Equal(int64(4096)))
				Expect(job.ProgressPercent).To(Equal(100.0))
			})

			It("rejects completing a cancelled job", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusCancelled, "")).To(Succeed())

				err = store.Complete(ctx, "job-1", "/data/job-1.mp4", 4096)
				Expect(err).To(MatchError(queuestore.ErrInvalidTransition))
			})
		})

		Describe("UpdateProgress", func() {
			It("records progress on an active job", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")).To(Succeed())

				Expect(store.UpdateProgress(ctx, "job-1", 42.5, "Downloading")).To(Succeed())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ProgressPercent).To(Equal(42.5))
				Expect(job.StatusMessage).To(Equal("Downloading"))
			})

			It("is a no-op on a terminal job", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusCancelled, "")).To(Succeed())

				Expect(store.UpdateProgress(ctx, "job-1", 42.5, "Downloading")).To(Succeed())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ProgressPercent).NotTo(Equal(42.5))
				Expect(job.StatusMessage).To(Equal("Cancelled by user"))
			})
		})

		Describe("Cancel", func() {
			BeforeEach(func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
			})

			It("cancels a queued job for its owner", func() {
				cancelled, err := store.Cancel(ctx, "job-1", "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(cancelled).To(BeTrue())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(model.JobStatusCancelled))
			})

			It("refuses another owner's job", func() {
				cancelled, err := store.Cancel(ctx, "job-1", "mallory")
				Expect(err).NotTo(HaveOccurred())
				Expect(cancelled).To(BeFalse())

				job, err := store.Get(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(model.JobStatusQueued))
			})

			It("is idempotent", func() {
				cancelled, err := store.Cancel(ctx, "job-1", "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(cancelled).To(BeTrue())

				cancelled, err = store.Cancel(ctx, "job-1", "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(cancelled).To(BeFalse())
			})

			It("does not touch processing jobs", func() {
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")).To(Succeed())

				cancelled, err := store.Cancel(ctx, "job-1", "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(cancelled).To(BeFalse())
			})

			It("reports false for unknown jobs", func() {
				cancelled, err := store.Cancel(ctx, "ghost", "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(cancelled).To(BeFalse())
			})
		})

		Describe("ListByOwner", func() {
			It("returns only the owner's jobs, most recent first", func() {
				_, err := store.Enqueue(ctx, newJob("old", 0))
				Expect(err).NotTo(HaveOccurred())
				_, err = store.Enqueue(ctx, newJob("new", 0))
				Expect(err).NotTo(HaveOccurred())

				other := newJob("other", 0)
				other.Owner = "bob"
				_, err = store.Enqueue(ctx, other)
				Expect(err).NotTo(HaveOccurred())

				jobs, err := store.ListByOwner(ctx, "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(jobs).To(HaveLen(2))
				Expect(jobs[0].ID).To(Equal("new"))
				Expect(jobs[1].ID).To(Equal("old"))
			})
		})

		Describe("Stats", func() {
			It("counts jobs by status", func() {
				_, err := store.Enqueue(ctx, newJob("q", 0))
				Expect(err).NotTo(HaveOccurred())
				_, err = store.Enqueue(ctx, newJob("p", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "p", model.JobStatusProcessing, "")).To(Succeed())

				stats, err := store.Stats(ctx, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(stats.Queued).To(Equal(1))
				Expect(stats.Processing).To(Equal(1))
				Expect(stats.Total()).To(Equal(2))
			})
		})

		Describe("ResetProcessing", func() {
			It("returns processing jobs to the queue", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 3))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusProcessing, "")).To(Succeed())

				reset, err := store.ResetProcessing(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(reset).To(Equal(1))

				ready, err := store.NextReady(ctx, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(ready).To(HaveLen(1))
				Expect(ready[0].ID).To(Equal("job-1"))
				Expect(ready[0].Priority).To(Equal(3))
			})
		})

		Describe("PruneTerminal", func() {
			It("keeps the most recent terminal jobs regardless of age", func() {
				for i := 0; i < 3; i++ {
					id := fmt.Sprintf("job-%d", i)
					_, err := store.Enqueue(ctx, newJob(id, 0))
					Expect(err).NotTo(HaveOccurred())
					Expect(store.UpdateStatus(ctx, id, model.JobStatusCancelled, "")).To(Succeed())
				}

				deleted, err := store.PruneTerminal(ctx, time.Nanosecond, 3)
				Expect(err).NotTo(HaveOccurred())
				Expect(deleted).To(Equal(0))
			})

			It("keeps jobs newer than the age threshold", func() {
				_, err := store.Enqueue(ctx, newJob("job-1", 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(store.UpdateStatus(ctx, "job-1", model.JobStatusCancelled, "")).To(Succeed())

				deleted, err := store.PruneTerminal(ctx, time.Hour, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(deleted).To(Equal(0))
			})
		})
	})
}

var _ = describeStore("InMemoryStore", func() queuestore.Store {
	return queuestore.NewInMemoryStore()
})

var _ = describeStore("BadgerStore", func() queuestore.Store {
	tmpDir, err := os.MkdirTemp("", "vidqueue-badger-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() {
		_ = os.RemoveAll(tmpDir)
	})

	store, err := queuestore.NewBadgerStore(tmpDir, testLogger())
	Expect(err).NotTo(HaveOccurred())
	return store
})
