package benchmark

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	logger "github.com/am17an/vastai-llama-bench/benchlogger"
)

// startHeartbeat schedules a periodic log line while the remote script runs,
// so a long quiet build still shows the instance, the elapsed time, and what
// it is costing. The caller stops the returned scheduler when the script
// finishes.
func (r *Runner) startHeartbeat() *gocron.Scheduler {
	start := time.Now()

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.Every(heartbeatInterval).Do(func() {
		logger.Infow("Benchmark still running.", []interface{}{
			zap.String("run_id", r.RunID),
			zap.String("instance_id", string(r.instanceID)),
			zap.String("elapsed", time.Since(start).Round(time.Second).String()),
			zap.Float64("price_per_hour", r.price),
		})
	})
	scheduler.StartAsync()

	return scheduler
}
