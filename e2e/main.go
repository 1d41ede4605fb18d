// Command e2e exercises a taskwire backend against a real Redis server. It
// runs a producer that enqueues arithmetic tasks, a pool of workers that
// claim and complete them, and an observer that waits for every produced
// task to finish, while periodically logging backend statistics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ownermz/taskwire"
)

func main() {
	var (
		workers     = flag.Int("workers", 5, "number of workers")
		fillTime    = flag.Duration("fill-time", 500*time.Millisecond, "max delay between produced tasks")
		runTime     = flag.Duration("run-time", 500*time.Millisecond, "max task run time")
		logInterval = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		redisAddr   = flag.String("redis", "localhost:6379", "Redis server")
		redisns     = flag.String("redis-namespace", "taskwire_e2e", "Redis namespace")
		redisdb     = flag.Int("redis-db", 0, "Redis database")
		failureRate = flag.Float64("failure-rate", 0.05, "failure rate [0.0,1.0]")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	pool := taskwire.NewRedisPool(*redisAddr, "", *redisdb)
	b := taskwire.New(
		taskwire.SetStore(taskwire.NewRedisStoreFromPool(*redisns, pool)),
		taskwire.SetChannel(taskwire.NewRedisChannelFromPool(*redisns, pool)),
	)
	if err := b.Start(); err != nil {
		level.Error(logger).Log("msg", "start backend", "err", err)
		os.Exit(1)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	produced := make(chan string, 128)
	errc := make(chan error, 1)

	go func() {
		errc <- producer(ctx, b, produced, *fillTime)
	}()
	for i := 0; i < *workers; i++ {
		go worker(ctx, b, *runTime, *failureRate)
	}
	go observer(ctx, b, produced, logger)
	go statsLoop(ctx, b, logger, *logInterval)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		s := <-c
		level.Info(logger).Log("msg", "shutting down", "signal", s.String())
		cancel()
		errc <- nil
	}()

	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "exiting")
}

func producer(ctx context.Context, b *taskwire.Backend, produced chan<- string, fillTime time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(fillTime.Nanoseconds()))):
		}
		args, _ := json.Marshal([]int{rand.Intn(100), rand.Intn(100)})
		task, err := b.NewTask(ctx, "add", args, nil)
		if err != nil {
			return err
		}
		select {
		case produced <- task.ID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func worker(ctx context.Context, b *taskwire.Backend, runTime time.Duration, failureRate float64) {
	for ctx.Err() == nil {
		task, err := b.Dequeue(ctx, taskwire.DequeueOptions{Timeout: time.Second})
		if err != nil || task == nil {
			continue
		}
		started := time.Now().UTC()
		if _, err := b.Save(ctx, task.ID, taskwire.Fields{
			"status":       taskwire.Started,
			"time_started": started,
		}); err != nil {
			continue
		}

		time.Sleep(time.Duration(rand.Int63n(runTime.Nanoseconds())))

		fields := taskwire.Fields{"time_ended": time.Now().UTC()}
		if rand.Float64() < failureRate {
			fields["status"] = taskwire.Failure
			fields["result"] = json.RawMessage(`"worker failed"`)
		} else {
			var args []int
			_ = json.Unmarshal(task.Args, &args)
			sum := 0
			for _, a := range args {
				sum += a
			}
			fields["status"] = taskwire.Success
			fields["result"] = json.RawMessage(fmt.Sprintf("%d", sum))
		}
		b.Save(ctx, task.ID, fields)
	}
}

func observer(ctx context.Context, b *taskwire.Backend, produced <-chan string, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-produced:
			task, err := b.WaitFor(ctx, id, 30*time.Second)
			if err != nil {
				level.Warn(logger).Log("msg", "wait", "task", id, "err", err)
				continue
			}
			level.Debug(logger).Log("msg", "done", "task", id, "status", task.Status)
		}
	}
}

func statsLoop(ctx context.Context, b *taskwire.Backend, logger log.Logger, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st, err := b.StatsSnapshot(ctx)
			if err != nil {
				continue
			}
			level.Info(logger).Log(
				"queued", st.Queued,
				"started", st.Started,
				"success", st.Success,
				"failure", st.Failure,
				"revoked", st.Revoked,
				"queue_len", st.QueueLen,
			)
		}
	}
}
