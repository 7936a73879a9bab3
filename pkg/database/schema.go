package database

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	repository    TEXT NOT NULL,
	job_type      TEXT NOT NULL,
	mode          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT,
	depends_on    TEXT REFERENCES jobs(id) ON DELETE SET NULL,
	batch_id      TEXT,
	items_saved   INTEGER NOT NULL DEFAULT 0,
	items_updated INTEGER NOT NULL DEFAULT 0,
	worker_id     TEXT,
	started_at    DATETIME,
	completed_at  DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs(status, job_type);
CREATE INDEX IF NOT EXISTS idx_jobs_repository ON jobs(repository);
`

// migrations bring ledgers created by older releases up to date. Each entry
// adds a column when it is missing and then runs its statements.
var migrations = []struct {
	table, column, definition string
	statements                []string
}{
	{
		table:      "jobs",
		column:     "batch_id",
		definition: "TEXT",
		statements: []string{"CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id)"},
	},
}
