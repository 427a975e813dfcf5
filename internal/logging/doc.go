// Package logging centralizes slog construction and the structured field
// vocabulary shared across the pipeline.
//
// Key responsibilities:
//   - Build console or JSON loggers from configuration, fanning output to
//     stdout and the daemon log file.
//   - Provide typed attribute helpers and the well-known field names used
//     by every stage (task_id, stage, event_type, ...).
//   - Carry task/stage/correlation identifiers through context so stage
//     code logs consistently without re-plumbing fields.
//   - Coalesce high-frequency progress events via ProgressSampler.
package logging
