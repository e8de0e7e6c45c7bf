// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist keeps a SQLite index of a message store: its
// folders and the identifiers and subjects of their messages.  An
// index answers folder and message queries without contacting the
// store it was built from.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const DefaultPageSize = 100

var (
	createTableSql = []string{
		// The folders table holds the folders of the indexed
		// store.
		//
		// Field: folder_id
		//
		//   The store's identifier for the folder, as in
		//   message.Folder.ID.
		//
		// Field: tags
		//
		//   The folder's tags joined with ",".  Empty for user
		//   folders.
		//
		// Field: position
		//
		//   The folder's position in the store's listing order.
		`
CREATE TABLE IF NOT EXISTS folders (
folder_id TEXT NOT NULL PRIMARY KEY,
path TEXT NOT NULL,
tags TEXT NOT NULL,
position INTEGER NOT NULL
);`,
		// The messages table maps messages to their folders.
		//
		// Field: store_id
		//
		//   The store's identifier for the message within its
		//   folder, as in message.Message.StoreID.
		//
		// Field: message_id
		//
		//   The Message-ID header without angle brackets.  Empty
		//   when the message has none.
		`
CREATE TABLE IF NOT EXISTS messages (
folder_id TEXT NOT NULL,
store_id TEXT NOT NULL,
message_id TEXT NOT NULL,
subject TEXT NOT NULL,
PRIMARY KEY (folder_id, store_id)
FOREIGN KEY (folder_id) REFERENCES folders (folder_id)
);`,
		`
CREATE INDEX IF NOT EXISTS messages_by_message_id
ON messages (message_id);`,
	}
)

type DB struct {
	db       *sql.DB
	pageSize int
	log      zerolog.Logger

	mu      sync.Mutex
	folders map[string]*message.Folder
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens, creating if needed, the index at path.
func Open(ctx context.Context, path string, pageSize int, log zerolog.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log = log.With().Str("store", "index").Logger()
	log.Debug().Str("dsn", dsn).Msg("opening database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &DB{db: db, pageSize: pageSize, log: log, folders: make(map[string]*message.Folder)}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	for _, sql := range createTableSql {
		log.Trace().Str("sql", sql).Msg("exec")
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// Clear removes every folder and message from the index.
func (tx *Tx) Clear(ctx context.Context) error {
	for _, sql := range []string{`DELETE FROM messages`, `DELETE FROM folders`} {
		if _, err := tx.tx.ExecContext(ctx, sql); err != nil {
			return errors.Wrap(err, "db clear failed")
		}
	}
	return nil
}

func joinTags(tags []message.Tag) string {
	s := make([]string, len(tags))
	for i, t := range tags {
		s[i] = string(t)
	}
	return strings.Join(s, ",")
}

func splitTags(s string) []message.Tag {
	if s == "" {
		return nil
	}
	var tags []message.Tag
	for _, t := range strings.Split(s, ",") {
		tags = append(tags, message.Tag(t))
	}
	return tags
}

// InsertFolder records f at the given position of the listing order.
func (tx *Tx) InsertFolder(ctx context.Context, f *message.Folder, position int) error {
	const sql = `INSERT OR REPLACE INTO folders
		(folder_id, path, tags, position) values ($1, $2, $3, $4)`
	if _, err := tx.tx.ExecContext(ctx, sql, f.ID, f.Path, joinTags(f.Tags), position); err != nil {
		return errors.Wrapf(err, "db insert failed for folder %s", f.Path)
	}
	return nil
}

// InsertMessage records m in its folder, which must already be
// recorded.
func (tx *Tx) InsertMessage(ctx context.Context, m *message.Message) error {
	const sql = `INSERT OR REPLACE INTO messages
		(folder_id, store_id, message_id, subject) values ($1, $2, $3, $4)`
	id := strings.Trim(string(m.ID), "<>")
	if _, err := tx.tx.ExecContext(ctx, sql, m.Folder.ID, m.StoreID, id, m.Subject); err != nil {
		return errors.Wrapf(err, "db insert failed for message %s", m.StoreID)
	}
	return nil
}

// Count returns the number of indexed folders and messages.
func (db *DB) Count(ctx context.Context) (folders, messages int, err error) {
	row := db.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM folders), (SELECT COUNT(*) FROM messages)`)
	if err := row.Scan(&folders, &messages); err != nil {
		return 0, 0, errors.Wrap(err, "db count failed")
	}
	return folders, messages, nil
}

// Folders implements store.FolderLister.  The same *message.Folder is
// returned for a folder across calls.
func (db *DB) Folders(ctx context.Context) ([]*message.Folder, error) {
	const sql = `SELECT folder_id, path, tags FROM folders ORDER BY position`
	rows, err := db.db.QueryContext(ctx, sql)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in Folders")
	}
	defer rows.Close()

	db.mu.Lock()
	defer db.mu.Unlock()
	var folders []*message.Folder
	for rows.Next() {
		var id, path, tags string
		if err := rows.Scan(&id, &path, &tags); err != nil {
			return nil, errors.Wrap(err, "db scan failed in Folders")
		}
		f, ok := db.folders[id]
		if !ok || f.Path != path || joinTags(f.Tags) != tags {
			f = &message.Folder{ID: id, Path: path, Tags: splitTags(tags)}
			db.folders[id] = f
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db scan failed in Folders")
	}
	return folders, nil
}

func (db *DB) folder(id string) *message.Folder {
	db.mu.Lock()
	defer db.mu.Unlock()
	if f, ok := db.folders[id]; ok {
		return f
	}
	return &message.Folder{ID: id, Path: id}
}

const (
	kindID      = "id"
	kindSubject = "subject"
	kindAll     = "all"
)

var pageQueries = map[string]string{
	kindID: `SELECT store_id, message_id, subject FROM messages
		WHERE folder_id = $1 AND message_id = $2
		ORDER BY store_id LIMIT $3 OFFSET $4`,
	kindSubject: `SELECT store_id, message_id, subject FROM messages
		WHERE folder_id = $1 AND instr(lower(subject), lower($2)) > 0
		ORDER BY store_id LIMIT $3 OFFSET $4`,
	kindAll: `SELECT store_id, message_id, subject FROM messages
		WHERE folder_id = $1 AND $2 = ''
		ORDER BY store_id LIMIT $3 OFFSET $4`,
}

// QueryByID implements store.MessageQuerier.
func (db *DB) QueryByID(ctx context.Context, f *message.Folder, id message.ID) (*store.Page, error) {
	return db.page(ctx, f, kindID, strings.Trim(string(id), "<>"), 0)
}

// QueryBySubject implements store.MessageQuerier.
func (db *DB) QueryBySubject(ctx context.Context, f *message.Folder, subject string) (*store.Page, error) {
	return db.page(ctx, f, kindSubject, subject, 0)
}

// All implements store.Lister.
func (db *DB) All(ctx context.Context, f *message.Folder) (*store.Page, error) {
	return db.page(ctx, f, kindAll, "", 0)
}

// Continue implements store.PageContinuer.
func (db *DB) Continue(ctx context.Context, next string) (*store.Page, error) {
	v, err := url.ParseQuery(next)
	if err != nil {
		return nil, store.ErrBadContinuation
	}
	offset, err := strconv.Atoi(v.Get("o"))
	if err != nil || offset <= 0 {
		return nil, store.ErrBadContinuation
	}
	if _, ok := pageQueries[v.Get("k")]; !ok {
		return nil, store.ErrBadContinuation
	}
	return db.page(ctx, db.folder(v.Get("f")), v.Get("k"), v.Get("v"), offset)
}

// page fetches one row past the page to learn whether another page
// follows.
func (db *DB) page(ctx context.Context, f *message.Folder, kind, value string, offset int) (*store.Page, error) {
	rows, err := db.db.QueryContext(ctx, pageQueries[kind], f.ID, value, db.pageSize+1, offset)
	if err != nil {
		return nil, errors.Wrapf(err, "db query failed in %s", f.Path)
	}
	defer rows.Close()

	p := &store.Page{}
	for rows.Next() {
		var storeID, id, subject string
		if err := rows.Scan(&storeID, &id, &subject); err != nil {
			return nil, errors.Wrapf(err, "db scan failed in %s", f.Path)
		}
		p.Messages = append(p.Messages, &message.Message{
			StoreID: storeID,
			ID:      message.ID(id),
			Subject: subject,
			Folder:  f,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "db scan failed in %s", f.Path)
	}
	if len(p.Messages) > db.pageSize {
		p.Messages = p.Messages[:db.pageSize]
		p.Next = url.Values{
			"f": {f.ID},
			"k": {kind},
			"v": {value},
			"o": {strconv.Itoa(offset + db.pageSize)},
		}.Encode()
	}
	return p, nil
}
