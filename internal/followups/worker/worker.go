package worker

import (
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"aurum_backend/internal/followups/broker"
	"aurum_backend/internal/followups/tasks"
	"aurum_backend/platform/config"
	"aurum_backend/platform/logger"
)

const retryBaseDelay = 5 * time.Second

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logger.Logger
}

func New(cfg interface {
	config.RedisConfig
	config.WorkerConfig
}, executors *Executors, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := broker.RedisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetWorkerConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueuePing:      3,
			tasks.QueueReminders: 2,
			tasks.QueueOps:       1,
		},
		RetryDelayFunc: retryDelay,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypePing, executors.HandlePing)
	mux.HandleFunc(tasks.TypeReminder, executors.HandleReminder)
	mux.HandleFunc(tasks.TypeResume, executors.HandleResume)

	return &Worker{server: server, mux: mux, log: log}, nil
}

// retryDelay backs off exponentially from the base: 5s, 10s, 20s.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return retryBaseDelay * time.Duration(math.Pow(2, float64(n)))
}

func (w *Worker) Start() error {
	w.log.Info("followup worker starting")
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.log.Info("followup worker shutting down")
	w.server.Shutdown()
}
