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

// Package gmail implements a message store over the Gmail API, with
// labels standing in for folders.
package gmail

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ReadonlyScope = gmail.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerMessagesList = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	DefaultPageSize = 100
)

var (
	ErrLabelNotFound = errors.New("gmail label not found")
)

// systemLabels are the system labels listed as folders.  Other system
// labels (UNREAD, STARRED, CATEGORY_*, ...) do not hold a thread the
// way a folder does.
var systemLabels = map[string]message.Tag{
	"INBOX": message.TagInbox,
	"SPAM":  message.TagJunk,
	"DRAFT": message.TagDrafts,
	"SENT":  message.TagSent,
	"TRASH": message.TagTrash,
}

// Store provides access to messages stored in Google's GMail system.
type Store struct {
	service  *gmail.Service
	limiter  *rate.Limiter
	pageSize int64
	log      zerolog.Logger

	mu     sync.Mutex
	labels map[string]*message.Folder
}

// New returns a Store using the given client options, typically
// option.WithHTTPClient.
func New(ctx context.Context, pageSize int64, log zerolog.Logger, opts ...option.ClientOption) (*Store, error) {
	s, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		service:  s,
		limiter:  rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		pageSize: pageSize,
		log:      log.With().Str("store", "gmail").Logger(),
		labels:   make(map[string]*message.Folder),
	}, nil
}

// Folders implements store.FolderLister.
func (s *Store) Folders(ctx context.Context) ([]*message.Folder, error) {
	var resp *gmail.ListLabelsResponse
	err := s.retry(ctx, quotaUnitsPerLabelsList, func() (err error) {
		resp, err = s.service.Users.Labels.List("me").Context(ctx).Do()
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing gmail labels")
	}
	folders := foldersFromLabels(resp.Labels)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range folders {
		s.labels[f.ID] = f
	}
	s.log.Debug().Int("count", len(folders)).Msg("listed labels")
	return folders, nil
}

// foldersFromLabels returns the listed system labels first, in a fixed
// order, followed by user labels sorted by name.
func foldersFromLabels(labels []*gmail.Label) []*message.Folder {
	var system, user []*message.Folder
	for _, l := range labels {
		switch l.Type {
		case "system":
			tag, ok := systemLabels[l.Id]
			if !ok {
				continue
			}
			system = append(system, &message.Folder{ID: l.Id, Path: l.Name, Tags: []message.Tag{tag}})
		default:
			user = append(user, &message.Folder{ID: l.Id, Path: l.Name})
		}
	}
	order := []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}
	rank := func(id string) int {
		for i, o := range order {
			if o == id {
				return i
			}
		}
		return len(order)
	}
	sort.Slice(system, func(i, j int) bool { return rank(system[i].ID) < rank(system[j].ID) })
	sort.SliceStable(user, func(i, j int) bool { return user[i].Path < user[j].Path })
	return append(system, user...)
}

// QueryByID implements store.MessageQuerier.
func (s *Store) QueryByID(ctx context.Context, f *message.Folder, id message.ID) (*store.Page, error) {
	return s.list(ctx, cursor{label: f.ID, q: queryForID(id), id: string(id)})
}

// QueryBySubject implements store.MessageQuerier.
func (s *Store) QueryBySubject(ctx context.Context, f *message.Folder, subject string) (*store.Page, error) {
	return s.list(ctx, cursor{label: f.ID, q: queryForSubject(subject), subject: subject})
}

// Continue implements store.PageContinuer.
func (s *Store) Continue(ctx context.Context, next string) (*store.Page, error) {
	c, err := decodeCursor(next)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, c)
}

func queryForID(id message.ID) string {
	return "rfc822msgid:" + strings.Trim(string(id), "<>")
}

func queryForSubject(subject string) string {
	return `subject:"` + strings.ReplaceAll(subject, `"`, " ") + `"`
}

// cursor is the state of a paginated query, carried between pages as
// a url encoded continuation token.
type cursor struct {
	label   string
	q       string
	page    string
	id      string
	subject string
}

func (c cursor) encode() string {
	return url.Values{
		"label":   {c.label},
		"q":       {c.q},
		"page":    {c.page},
		"id":      {c.id},
		"subject": {c.subject},
	}.Encode()
}

func decodeCursor(next string) (cursor, error) {
	v, err := url.ParseQuery(next)
	if err != nil {
		return cursor{}, store.ErrBadContinuation
	}
	c := cursor{
		label:   v.Get("label"),
		q:       v.Get("q"),
		page:    v.Get("page"),
		id:      v.Get("id"),
		subject: v.Get("subject"),
	}
	if c.label == "" || c.q == "" || c.page == "" {
		return cursor{}, store.ErrBadContinuation
	}
	return c, nil
}

func (s *Store) folder(label string) *message.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.labels[label]; ok {
		return f
	}
	return &message.Folder{ID: label, Path: label}
}

func (s *Store) list(ctx context.Context, c cursor) (*store.Page, error) {
	call := s.service.Users.Messages.List("me").
		LabelIds(c.label).
		Q(c.q).
		MaxResults(s.pageSize).
		IncludeSpamTrash(true).
		Context(ctx)
	if c.page != "" {
		call = call.PageToken(c.page)
	}

	var resp *gmail.ListMessagesResponse
	err := s.retry(ctx, quotaUnitsPerMessagesList, func() (err error) {
		resp, err = call.Do()
		return
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing gmail messages in %s", c.label)
	}

	f := s.folder(c.label)
	page := &store.Page{}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, &message.Message{
			StoreID: m.Id,
			ID:      message.ID(c.id),
			Subject: c.subject,
			Folder:  f,
		})
	}
	if resp.NextPageToken != "" {
		c.page = resp.NextPageToken
		page.Next = c.encode()
	}
	return page, nil
}

// retry runs call under the quota limiter, repeating it while the
// server answers 429.
func (s *Store) retry(ctx context.Context, units int, call func() error) error {
	for {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		err := call()
		if err == nil {
			return nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				s.log.Debug().Msg("rate limited, retrying")
				continue
			}
			if cause.Code == http.StatusNotFound {
				return ErrLabelNotFound
			}
		}
		return err
	}
}
