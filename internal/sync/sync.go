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

// Package sync builds the SQLite index of a message store.
package sync

import (
	"context"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/persist"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Stats counts what an index run recorded.
type Stats struct {
	Folders  int
	Messages int
}

// record is one row headed for the index: a folder, which precedes
// its messages, or a message.
type record struct {
	folder   *message.Folder
	position int
	msg      *message.Message
}

func send(ctx context.Context, out chan<- record, r record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- r:
		return nil
	}
}

// listRecords walks every folder of src, sending each folder followed
// by its messages.
func listRecords(ctx context.Context, src Source, out chan<- record, log zerolog.Logger) error {
	defer close(out)

	folders, err := src.Folders(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to list folders")
	}
	for i, f := range folders {
		if err := send(ctx, out, record{folder: f, position: i}); err != nil {
			return err
		}
		page, err := src.All(ctx, f)
		if err != nil {
			return errors.Wrapf(err, "unable to list messages in %s", f.Path)
		}
		total := 0
		for page != nil {
			total += len(page.Messages)
			for _, m := range page.Messages {
				if err := send(ctx, out, record{msg: m}); err != nil {
					return err
				}
			}
			if page.Next == "" {
				break
			}
			if page, err = src.Continue(ctx, page.Next); err != nil {
				return errors.Wrapf(err, "unable to list messages in %s", f.Path)
			}
		}
		log.Info().Str("folder", f.Path).Int("messages", total).Msg("listed folder")
	}
	return nil
}

func saveRecords(ctx context.Context, tx *persist.Tx, in <-chan record, stats *Stats) error {
	for r := range in {
		if r.folder != nil {
			if err := tx.InsertFolder(ctx, r.folder, r.position); err != nil {
				return err
			}
			stats.Folders++
			continue
		}
		if err := tx.InsertMessage(ctx, r.msg); err != nil {
			return err
		}
		stats.Messages++
	}
	return nil
}

// Sync replaces the contents of db with the folders and messages of
// src.  The index is left unchanged on failure.
func Sync(ctx context.Context, src Source, db *persist.DB, log zerolog.Logger) (Stats, error) {
	var stats Stats
	tx, err := db.Begin(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "failed to sync")
	}
	defer tx.Rollback()

	if err := tx.Clear(ctx); err != nil {
		return stats, errors.Wrap(err, "failed to sync")
	}

	grp, gctx := errgroup.WithContext(ctx)
	records := make(chan record, 1000)
	grp.Go(func() error {
		return listRecords(gctx, src, records, log)
	})
	grp.Go(func() error {
		return saveRecords(gctx, tx, records, &stats)
	})
	if err := grp.Wait(); err != nil {
		return Stats{}, errors.Wrap(err, "failed to sync")
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, errors.Wrap(err, "failed to sync")
	}
	log.Info().Int("folders", stats.Folders).Int("messages", stats.Messages).Msg("index written")
	return stats, nil
}
