// Package core provides the schedule ingestion pipeline.
//
// A schedule version is one uploaded CSV export of class sessions. The
// pipeline turns it into normalized entities and quality findings in a
// single transaction, independent of how versions are discovered or how
// results are served.
//
// # Pipeline
//
// A run of the [Coordinator] moves through pending, loading, normalizing,
// analyzing and processed, or ends in error from any non-terminal phase:
//
//  1. The payload is written to a temp file and parsed by a [RowParser]
//     (semicolon separated, header row, accent-insensitive column labels,
//     Windows-1252 tolerated).
//  2. The [StagingLoader] converts each row, resolves rooms and weekdays
//     through a run-scoped [Resolver], and bulk copies the rows into
//     staging_schedule_v<id>.
//  3. The [Normalizer] runs an ordered list of set-based SQL steps that
//     insert every missing entity and one ScheduleEntry per staged row.
//  4. The [Analyzer] loads the version's entries and evaluates each [Rule]
//     in Go, then bulk inserts the findings.
//
// The version is marked processed inside the run transaction. Any failure
// rolls everything back and marks the version error on the pool.
//
// # Discovery
//
// A [Poller] lists pending versions on an interval and processes each under
// a [RunLimiter] slot, so a version is never processed twice at once in a
// process.
//
// # Error Handling
//
// Failures are typed ([NoPayloadError], [ParseError], [ValidationError],
// [ConstraintError], [IOError]) and mapped to user messages with support
// codes by [MapError]:
//
//   - ING001-ING002: Run errors (no payload, cancelled)
//   - CSV001-CSV002: Parse errors (malformed CSV, missing column)
//   - VAL001-VAL004: Validation errors (time, date, integer, required)
//   - DB001-DB005: Database errors (unique, foreign key, not-null, connection, deadlock)
//   - IO001: Staging file errors
package core
