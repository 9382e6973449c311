// Package scheduler fires cron, interval, and one-shot jobs by
// enqueueing a message per run. Jobs live in the store, so every
// scheduler process sees the same definitions; per-job run slots bound
// how many executions overlap even across processes.
//
// A job may declare dependencies on other jobs. A dependent job fires
// only once every dependency has succeeded since the job's own last
// run, which chains pipelines without any extra coordination: the
// nightly aggregate simply depends on the nightly import.
//
// # Usage
//
//	sched := scheduler.New(st, conveyor.WithTickInterval(time.Second))
//	if err := sched.Start(ctx); err != nil {
//	    return err
//	}
//	defer sched.Stop(context.Background())
//
//	job, err := sched.CreateJob(ctx, schedule.JobConfig{
//	    Name:            "nightly-report",
//	    QueueID:         qid,
//	    Type:            "report.generate",
//	    PayloadTemplate: map[string]any{"format": "pdf"},
//	    Schedule:        schedule.Cron("0 2 * * *"),
//	    Timezone:        "Europe/Berlin",
//	})
//
// Each run's message carries the template payload plus _job_id,
// _execution_id, and _scheduled_at, so consumers can trace a message
// back to the run that produced it.
package scheduler
