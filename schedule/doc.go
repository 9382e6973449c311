// Package schedule defines scheduled jobs, their execution records, and
// the store interface the scheduler drives them through.
//
// A [Job] produces messages on a [Spec]: a cron expression, a fixed
// interval, or a single fire time. Jobs may declare [Job.Dependencies] on
// other jobs; a dependent job is deferred until every dependency has a
// successful execution at or after the dependent's own last run.
//
// The concurrency slot operations ([Store.AcquireJobSlot],
// [Store.RecordJobRun]) are the only writers of CurrentConcurrent, so the
// check-and-increment stays atomic within one store. The scheduling loop
// itself lives in the scheduler package.
package schedule
