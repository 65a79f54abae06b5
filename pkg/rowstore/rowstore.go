// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package rowstore is the typed facade over the relational store shared
// by the brancher and the result collector: integration branch rows,
// test results with their pending placeholders, per-test stability
// counters and device info history.
package rowstore

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/linux-netdev/nipa-go/pkg/log"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS branches (
	branch TEXT NOT NULL UNIQUE,
	stream TEXT NOT NULL,
	t_date TEXT NOT NULL,
	base   TEXT,
	url    TEXT,
	info   TEXT
);
CREATE TABLE IF NOT EXISTS results (
	branch      TEXT NOT NULL,
	branch_date TEXT NOT NULL,
	remote      TEXT NOT NULL,
	executor    TEXT NOT NULL,
	t_start     TEXT,
	t_end       TEXT,
	json_normal TEXT,
	json_full   BLOB,
	UNIQUE(branch, remote, executor)
);
CREATE TABLE IF NOT EXISTS results_pending (
	branch      TEXT NOT NULL,
	remote      TEXT NOT NULL,
	executor    TEXT NOT NULL,
	branch_date TEXT,
	t_start     TEXT
);
CREATE TABLE IF NOT EXISTS stability (
	remote      TEXT NOT NULL,
	executor    TEXT NOT NULL,
	grp         TEXT NOT NULL,
	test        TEXT NOT NULL,
	subtest     TEXT,
	pass_cnt    INTEGER NOT NULL DEFAULT 0,
	fail_cnt    INTEGER NOT NULL DEFAULT 0,
	pass_srk    INTEGER NOT NULL DEFAULT 0,
	fail_srk    INTEGER NOT NULL DEFAULT 0,
	pass_cur    INTEGER NOT NULL DEFAULT 0,
	fail_cur    INTEGER NOT NULL DEFAULT 0,
	passing     TEXT,
	autoignore  BOOLEAN NOT NULL DEFAULT FALSE,
	last_update TEXT
);
CREATE TABLE IF NOT EXISTS devices_info (
	remote   TEXT NOT NULL,
	executor TEXT NOT NULL,
	changed  TEXT NOT NULL,
	info     TEXT NOT NULL
);
`

// Open opens (and if needed creates) the store. Use ":memory:" in
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (store *Store) Close() error {
	return store.db.Close()
}

// Branch is one integration branch row. Info carries the full
// state-info blob as JSON.
type Branch struct {
	Branch string
	Stream string
	Date   string
	Base   string
	URL    string
	Info   string
}

func (store *Store) InsertBranch(br *Branch) error {
	_, err := store.db.Exec(
		"INSERT INTO branches (branch, stream, t_date, base, url, info) VALUES (?, ?, ?, ?, ?, ?)",
		br.Branch, br.Stream, br.Date, br.Base, br.URL, br.Info)
	return err
}

// BranchInfo returns the info JSON of a branch row, "" if absent.
func (store *Store) BranchInfo(name string) (string, error) {
	var info string
	err := store.db.QueryRow("SELECT info FROM branches WHERE branch = ?", name).Scan(&info)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return info, err
}

// Run keys one (branch, remote, executor) execution.
type Run struct {
	Branch   string
	Remote   string
	Executor string
}

func (store *Store) HasWip(run Run) (bool, error) {
	var branch string
	err := store.db.QueryRow(
		"SELECT branch FROM results_pending WHERE branch = ? AND remote = ? AND executor = ?",
		run.Branch, run.Remote, run.Executor).Scan(&branch)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (store *Store) InsertWip(run Run, branchDate, tStart string) error {
	has, err := store.HasWip(run)
	if err != nil || has {
		return err
	}
	_, err = store.db.Exec(
		"INSERT INTO results_pending (branch, remote, executor, branch_date, t_start) VALUES (?, ?, ?, ?, ?)",
		run.Branch, run.Remote, run.Executor, branchDate, tStart)
	return err
}

func (store *Store) ClearWip(run Run) error {
	_, err := store.db.Exec(
		"DELETE FROM results_pending WHERE branch = ? AND remote = ? AND executor = ?",
		run.Branch, run.Remote, run.Executor)
	return err
}

// Result is one finished run. Full is nil when it matches Normal,
// otherwise it carries the xz-archived unfiltered payload.
type Result struct {
	Run
	BranchDate string
	Start      string
	End        string
	Normal     string
	Full       []byte
}

// InsertResult appends a result row. Results are append-once: a
// duplicate insert (remote re-served an old run) is logged and
// swallowed.
func (store *Store) InsertResult(res *Result) error {
	var full []byte
	if len(res.Full) != 0 {
		full = res.Full
	}
	_, err := store.db.Exec(
		"INSERT INTO results (branch, branch_date, remote, executor, t_start, t_end, json_normal, json_full) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		res.Branch, res.BranchDate, res.Remote, res.Executor, res.Start, res.End, res.Normal, full)
	if isUniqueViolation(err) {
		log.Logf(0, "duplicate result for %v/%v/%v: %v", res.Branch, res.Remote, res.Executor, err)
		return nil
	}
	return err
}

// GetResult reads back one result row, nil if absent.
func (store *Store) GetResult(run Run) (*Result, error) {
	res := &Result{Run: run}
	err := store.db.QueryRow(
		"SELECT branch_date, t_start, t_end, json_normal, json_full FROM results "+
			"WHERE branch = ? AND remote = ? AND executor = ?",
		run.Branch, run.Remote, run.Executor).
		Scan(&res.BranchDate, &res.Start, &res.End, &res.Normal, &res.Full)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// TestKey identifies one test within a remote/executor pair. An empty
// Subtest means the L1 test itself and is stored as NULL.
type TestKey struct {
	Group   string
	Test    string
	Subtest string
}

// Stability mirrors one stability row.
type Stability struct {
	PassCnt int
	FailCnt int
	PassSrk int
	FailSrk int
	PassCur int
	FailCur int
	Passing string // timestamp of first stability, "" while unstable
	Exists  bool
}

func subtestArg(key TestKey) sql.NullString {
	return sql.NullString{String: key.Subtest, Valid: key.Subtest != ""}
}

const stabilityWhere = " WHERE remote = ? AND executor = ? AND grp = ? AND test = ? " +
	"AND subtest IS ?"

// GetStability fetches the counters for one test, Exists=false with
// zero counters when the row is missing.
func (store *Store) GetStability(remote, executor string, key TestKey) (*Stability, error) {
	stb := new(Stability)
	var passing sql.NullString
	err := store.db.QueryRow(
		"SELECT pass_cnt, fail_cnt, pass_srk, fail_srk, pass_cur, fail_cur, passing FROM stability"+
			stabilityWhere,
		remote, executor, key.Group, key.Test, subtestArg(key)).
		Scan(&stb.PassCnt, &stb.FailCnt, &stb.PassSrk, &stb.FailSrk,
			&stb.PassCur, &stb.FailCur, &passing)
	if err == sql.ErrNoRows {
		return stb, nil
	}
	if err != nil {
		return nil, err
	}
	stb.Passing = passing.String
	stb.Exists = true
	return stb, nil
}

// InsertStability creates a fresh zeroed row for the test.
func (store *Store) InsertStability(remote, executor string, key TestKey, autoignore bool) error {
	_, err := store.db.Exec(
		"INSERT INTO stability (remote, executor, grp, test, subtest, autoignore) VALUES (?, ?, ?, ?, ?, ?)",
		remote, executor, key.Group, key.Test, subtestArg(key), autoignore)
	return err
}

func (store *Store) UpdateStability(remote, executor string, key TestKey, stb *Stability, now time.Time) error {
	passing := sql.NullString{String: stb.Passing, Valid: stb.Passing != ""}
	_, err := store.db.Exec(
		"UPDATE stability SET pass_cnt = ?, fail_cnt = ?, pass_srk = ?, fail_srk = ?, "+
			"pass_cur = ?, fail_cur = ?, passing = ?, last_update = ?"+stabilityWhere,
		stb.PassCnt, stb.FailCnt, stb.PassSrk, stb.FailSrk, stb.PassCur, stb.FailCur,
		passing, now.Format(time.RFC3339),
		remote, executor, key.Group, key.Test, subtestArg(key))
	return err
}

// GetUnstable returns the tests to filter from published results:
// autoignored tests that never reached the passing threshold.
func (store *Store) GetUnstable(remote, executor string) (map[TestKey]bool, error) {
	rows, err := store.db.Query(
		"SELECT grp, test, subtest FROM stability "+
			"WHERE autoignore = TRUE AND passing IS NULL AND remote = ? AND executor = ?",
		remote, executor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[TestKey]bool)
	for rows.Next() {
		var key TestKey
		var subtest sql.NullString
		if err := rows.Scan(&key.Group, &key.Test, &subtest); err != nil {
			return nil, err
		}
		key.Subtest = subtest.String
		res[key] = true
	}
	if len(res) != 0 {
		log.Logf(1, "unstable for %v/%v got %v", remote, executor, len(res))
	}
	return res, rows.Err()
}

// LastDeviceInfo returns the most recent device info blob, "" if none.
func (store *Store) LastDeviceInfo(remote, executor string) (string, error) {
	var info string
	err := store.db.QueryRow(
		"SELECT info FROM devices_info WHERE remote = ? AND executor = ? ORDER BY changed DESC LIMIT 1",
		remote, executor).Scan(&info)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return info, err
}

func (store *Store) InsertDeviceInfo(remote, executor, changed, info string) error {
	_, err := store.db.Exec(
		"INSERT INTO devices_info (remote, executor, changed, info) VALUES (?, ?, ?, ?)",
		remote, executor, changed, info)
	return err
}
