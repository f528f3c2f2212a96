// Package scheduler triggers the daily pipeline run at a configured local
// time. It assumes it is the only scheduler of pipeline runs in the process.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/tianyu-zhu5/daily-executor/config"
	"github.com/tianyu-zhu5/daily-executor/pipeline"
)

// Scheduler manages the daily pipeline job.
type Scheduler struct {
	cron *gocron.Scheduler
	exec *pipeline.Executor
	cfg  config.ScheduleConfig
	log  zerolog.Logger
}

// New creates a scheduler around a pipeline executor.
func New(exec *pipeline.Executor, cfg config.ScheduleConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: gocron.NewScheduler(time.Local),
		exec: exec,
		cfg:  cfg,
		log:  log,
	}
}

// Start registers the daily job and starts the scheduler asynchronously.
func (s *Scheduler) Start() error {
	_, err := s.cron.Every(1).Day().At(s.cfg.RunAt).Do(s.runDaily)
	if err != nil {
		return err
	}
	s.cron.StartAsync()
	s.log.Info().Str("run_at", s.cfg.RunAt).Msg("scheduler started")
	return nil
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runDaily() {
	if s.cfg.TradingDays && isWeekend(time.Now()) {
		s.log.Info().Msg("weekend, skipping scheduled pipeline run")
		return
	}

	res := s.exec.Execute(context.Background(), pipeline.RunRequest{})
	if res.OverallSuccess {
		s.log.Info().Str("run_id", res.RunID).Msg("scheduled pipeline run succeeded")
	} else {
		s.log.Error().Err(res.Err).Str("run_id", res.RunID).Msg("scheduled pipeline run failed")
	}
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
