// Package jobs runs sandbox commands asynchronously.
//
// The Orchestrator accepts a command, records a pending Job, and hands it to a
// fixed pool of workers through a bounded queue. Each job moves through
// pending, running and then completed, failed or stopped. Live jobs are kept
// in an in-memory table; every transition is written to a Store so finished
// results remain available after they leave the table.
//
// Cancel marks a pending or running job stopped and cancels its context. A
// queued job then never runs. A command already running inside the sandbox is
// not signalled; its result is discarded when it returns.
package jobs
