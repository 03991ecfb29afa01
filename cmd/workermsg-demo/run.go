package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-workermsg/eventloop"
	"github.com/joeycumines/go-workermsg/thread"
	"github.com/joeycumines/go-workermsg/workermsg"
	"github.com/joeycumines/logiface"
)

type config struct {
	Workers int
	Rounds  int
	Timeout time.Duration
}

type summary struct {
	Delivered int64
	Failed    int64
}

type ping struct {
	Round int
	Text  string
}

// run starts cfg.Workers workers. Once all of them are listening, each sends
// cfg.Rounds messages to the next worker in the ring, and one to a thread
// that does not exist.
func run(ctx context.Context, logger *logiface.Logger[logiface.Event], cfg config) (summary, error) {
	if cfg.Workers < 1 || cfg.Rounds < 0 {
		return summary{}, fmt.Errorf("invalid config: workers=%d rounds=%d", cfg.Workers, cfg.Rounds)
	}

	var delivered, failed atomic.Int64
	expected := cfg.Rounds
	if cfg.Workers == 1 {
		// a single worker is its own neighbour
		expected = 0
	}

	host := thread.NewHost(thread.WithLogger(logger))
	err := host.Run(ctx, func(main *thread.Thread) {
		var (
			ids   []workermsg.ThreadID
			ready int
		)

		main.Loop().Ref()
		main.OnMessage(func(msg thread.Message) {
			if ready++; ready < cfg.Workers {
				return
			}
			main.Loop().Unref()
			for i, id := range ids {
				next := ids[(i+1)%len(ids)]
				if _, err := main.PostMessageToThread(id, next); err != nil {
					logger.Err().Err(err).Log("demo: failed to start worker")
				}
			}
		})

		for i := 0; i < cfg.Workers; i++ {
			w, err := main.Spawn(func(worker *thread.Thread) {
				startWorker(worker, logger, cfg, expected, &delivered, &failed)
			})
			if err != nil {
				logger.Err().Err(err).Log("demo: failed to spawn worker")
				main.Loop().Unref()
				return
			}
			ids = append(ids, w.ThreadID())
		}
	})
	return summary{Delivered: delivered.Load(), Failed: failed.Load()}, err
}

func startWorker(worker *thread.Thread, logger *logiface.Logger[logiface.Event], cfg config, expected int, delivered, failed *atomic.Int64) {
	remaining := expected + 1 // the go signal, then pings
	worker.Loop().Ref()

	opts := []workermsg.SendOption{workermsg.WithTimeout(cfg.Timeout)}
	if cfg.Timeout == 0 {
		opts = nil
	}

	send := func(to workermsg.ThreadID, value any) {
		p, err := worker.PostMessageToThread(to, value, opts...)
		if err != nil {
			failed.Add(1)
			logger.Warning().Err(err).Uint64("thread", uint64(worker.ID())).Log("demo: send rejected")
			return
		}
		p.Then(func(eventloop.Result) eventloop.Result {
			delivered.Add(1)
			return nil
		}, func(reason eventloop.Result) eventloop.Result {
			failed.Add(1)
			var destErr *workermsg.InvalidDestinationError
			if err, ok := reason.(error); ok && errors.As(err, &destErr) {
				logger.Info().
					Uint64("thread", uint64(worker.ID())).
					Uint64("destination", uint64(destErr.Destination)).
					Log("demo: destination unavailable")
			}
			return nil
		})
	}

	worker.OnMessage(func(msg thread.Message) {
		switch v := msg.Value.(type) {
		case workermsg.ThreadID:
			for round := 0; round < cfg.Rounds; round++ {
				if v == worker.ID() {
					break
				}
				send(v, ping{Round: round, Text: fmt.Sprintf("hello from %d", worker.ID())})
			}
			send(workermsg.ThreadID(1<<32), "nobody home")
		case ping:
			logger.Debug().
				Uint64("thread", uint64(worker.ID())).
				Uint64("source", uint64(msg.Source)).
				Int("round", v.Round).
				Log(v.Text)
		}
		if remaining--; remaining == 0 {
			worker.Loop().Unref()
		}
	})

	// tell the coordinator this worker is listening
	send(workermsg.CoordinatorID, "ready")
}
