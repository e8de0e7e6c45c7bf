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

// Package imapstore implements a message store over IMAP.
//
// Each operation runs on its own connection so lookups against
// different folders proceed in parallel.  Query results are fetched a
// page at a time; the UIDs of later pages are kept in a bounded
// cursor table and named by an opaque continuation token.
package imapstore

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/matta/threadfolder/internal/folder"
	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultPageSize = 50

	// The number of unfinished result sets remembered.  Older ones
	// are dropped and their tokens rejected.
	maxCursors = 256
)

type Config struct {
	// host:port of the server.
	Address  string
	Username string
	Password string

	// Insecure disables TLS.
	Insecure bool

	PageSize int
}

// Store is a store.Store backed by an IMAP server.
type Store struct {
	cfg  Config
	log  zerolog.Logger
	dial func(ctx context.Context) (net.Conn, error)

	mu      sync.Mutex
	cursors *lru.Cache
}

// cursor is the unfetched remainder of a query.
type cursor struct {
	folder  *message.Folder
	uids    []imap.UID
	id      message.ID
	subject string
}

// New returns a Store for the server described by cfg.  No connection
// is made until the first operation.
func New(cfg Config, log zerolog.Logger) *Store {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	s := &Store{
		cfg:     cfg,
		log:     log.With().Str("store", "imap").Str("address", cfg.Address).Logger(),
		cursors: lru.New(maxCursors),
	}
	s.dial = s.dialServer
	return s
}

func (s *Store) dialServer(ctx context.Context) (net.Conn, error) {
	if s.cfg.Insecure {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", s.cfg.Address)
	}
	host, _, err := net.SplitHostPort(s.cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing address %q", s.cfg.Address)
	}
	d := tls.Dialer{Config: &tls.Config{ServerName: host}}
	return d.DialContext(ctx, "tcp", s.cfg.Address)
}

// session runs fn on a fresh logged in connection.  The connection is
// closed when ctx ends, failing any command in progress.
func (s *Store) session(ctx context.Context, fn func(c *imapclient.Client) error) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", s.cfg.Address)
	}
	c := imapclient.New(conn, &imapclient.Options{
		DebugWriter: debugWriter{s.log},
	})
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		return errors.Wrapf(err, "logging in as %s", s.cfg.Username)
	}
	if err := fn(c); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if err := c.Logout().Wait(); err != nil {
		s.log.Debug().Err(err).Msg("logout failed")
	}
	return nil
}

// debugWriter logs the protocol exchange at trace level, without
// LOGIN arguments.
type debugWriter struct {
	log zerolog.Logger
}

func (w debugWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	if i := strings.Index(strings.ToUpper(line), " LOGIN "); i >= 0 {
		line = line[:i] + " LOGIN ..."
	}
	w.log.Trace().Str("line", line).Msg("imap")
	return len(p), nil
}

var _ io.Writer = debugWriter{}

// Folders implements store.FolderLister.
func (s *Store) Folders(ctx context.Context) ([]*message.Folder, error) {
	var folders []*message.Folder
	err := s.session(ctx, func(c *imapclient.Client) error {
		list, err := c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}
		folders = foldersFromList(list)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing imap folders")
	}
	return folders, nil
}

var attrTags = []struct {
	attr imap.MailboxAttr
	tag  message.Tag
}{
	{imap.MailboxAttrSent, message.TagSent},
	{imap.MailboxAttrDrafts, message.TagDrafts},
	{imap.MailboxAttrJunk, message.TagJunk},
	{imap.MailboxAttrTrash, message.TagTrash},
	{imap.MailboxAttrArchive, message.TagArchive},
	{imap.MailboxAttrAll, message.TagAll},
}

// foldersFromList converts LIST responses to folders.  Special-use
// attributes classify a mailbox when the server sends them; otherwise
// the name does.  Mailboxes that cannot be selected are skipped.
func foldersFromList(list []*imap.ListData) []*message.Folder {
	var folders []*message.Folder
	for _, l := range list {
		if hasAttr(l.Attrs, imap.MailboxAttrNoSelect) || hasAttr(l.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		var tags []message.Tag
		if strings.EqualFold(l.Mailbox, "INBOX") {
			tags = append(tags, message.TagInbox)
		}
		for _, at := range attrTags {
			if hasAttr(l.Attrs, at.attr) {
				tags = append(tags, at.tag)
			}
		}
		if len(tags) == 0 {
			tags = folder.TagsForName(l.Mailbox)
		}
		folders = append(folders, &message.Folder{ID: l.Mailbox, Path: l.Mailbox, Tags: tags})
	}
	return folders
}

func hasAttr(attrs []imap.MailboxAttr, target imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(target)) {
			return true
		}
	}
	return false
}

// QueryByID implements store.MessageQuerier.
func (s *Store) QueryByID(ctx context.Context, f *message.Folder, id message.ID) (*store.Page, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: string(id)}},
	}
	return s.query(ctx, f, criteria, cursor{folder: f, id: id})
}

// QueryBySubject implements store.MessageQuerier.
func (s *Store) QueryBySubject(ctx context.Context, f *message.Folder, subject string) (*store.Page, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: subject}},
	}
	return s.query(ctx, f, criteria, cursor{folder: f, subject: subject})
}

func (s *Store) query(ctx context.Context, f *message.Folder, criteria *imap.SearchCriteria, cur cursor) (*store.Page, error) {
	var page *store.Page
	err := s.session(ctx, func(c *imapclient.Client) error {
		if _, err := c.Select(f.ID, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", f.Path)
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return errors.Wrapf(err, "searching %s", f.Path)
		}
		cur.uids = data.AllUIDs()
		page, err = s.fetch(c, cur)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Continue implements store.PageContinuer.
func (s *Store) Continue(ctx context.Context, next string) (*store.Page, error) {
	cur, ok := s.take(next)
	if !ok {
		return nil, store.ErrBadContinuation
	}
	var page *store.Page
	err := s.session(ctx, func(c *imapclient.Client) error {
		if _, err := c.Select(cur.folder.ID, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return errors.Wrapf(err, "selecting %s", cur.folder.Path)
		}
		var err error
		page, err = s.fetch(c, cur)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// fetch returns the first page of cur from the selected mailbox and
// saves the remainder.
func (s *Store) fetch(c *imapclient.Client, cur cursor) (*store.Page, error) {
	head, rest := split(cur.uids, s.cfg.PageSize)
	page := &store.Page{}
	if len(head) == 0 {
		return page, nil
	}
	bufs, err := c.Fetch(imap.UIDSetNum(head...), &imap.FetchOptions{UID: true, Envelope: true}).Collect()
	if err != nil {
		return nil, errors.Wrapf(err, "fetching from %s", cur.folder.Path)
	}
	for _, buf := range bufs {
		page.Messages = append(page.Messages, toMessage(buf, cur))
	}
	if len(rest) > 0 {
		cur.uids = rest
		page.Next = s.save(cur)
	}
	return page, nil
}

func toMessage(buf *imapclient.FetchMessageBuffer, cur cursor) *message.Message {
	m := &message.Message{
		StoreID: strconv.FormatUint(uint64(buf.UID), 10),
		ID:      cur.id,
		Subject: cur.subject,
		Folder:  cur.folder,
	}
	if buf.Envelope != nil {
		m.ID = message.ID(buf.Envelope.MessageID)
		m.Subject = buf.Envelope.Subject
	}
	return m
}

func split(uids []imap.UID, n int) (head, rest []imap.UID) {
	if len(uids) <= n {
		return uids, nil
	}
	return uids[:n], uids[n:]
}

func (s *Store) save(cur cursor) string {
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors.Add(token, cur)
	return token
}

// take removes and returns the cursor named by token.
func (s *Store) take(token string) (cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors.Get(token)
	if !ok {
		return cursor{}, false
	}
	s.cursors.Remove(token)
	return v.(cursor), true
}
