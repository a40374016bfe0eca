// Package scheduler runs named background jobs on robfig/cron schedules.
// Overlapping runs of the same job are skipped.
package scheduler
