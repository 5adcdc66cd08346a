package queue

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS contribfile_queue (
	id             SERIAL PRIMARY KEY,
	database       TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	chunk_id       INTEGER,
	filepath       TEXT NOT NULL,
	is_overlap     BOOLEAN,
	locking_worker TEXT,
	locked_at      TIMESTAMP,
	succeed        BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_contribfile_queue_lookup ON contribfile_queue (database, locking_worker, succeed);

CREATE TABLE IF NOT EXISTS mutex (
	owner       TEXT,
	latest_move TIMESTAMP NOT NULL
);
`

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS contribfile_queue (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	database       TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	chunk_id       INTEGER,
	filepath       TEXT NOT NULL,
	is_overlap     BOOLEAN,
	locking_worker TEXT,
	locked_at      TIMESTAMP,
	succeed        BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_contribfile_queue_lookup ON contribfile_queue (database, locking_worker, succeed);

CREATE TABLE IF NOT EXISTS mutex (
	owner       TEXT,
	latest_move TIMESTAMP NOT NULL
);
`

func (q *Queue) createSchema() error {
	ddl := ddlSQLite
	if q.driver == "postgres" {
		ddl = ddlPostgres
	}
	if _, err := q.db.Exec(ddl); err != nil {
		return wrapf("create schema", err)
	}
	return nil
}
