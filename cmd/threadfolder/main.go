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

// The threadfolder command finds the folder each mail thread is filed
// in.
//
// Usage:
//
//	threadfolder [flags] resolve FILE...
//	threadfolder [flags] serve
//	threadfolder [flags] index
//
// resolve reads the RFC 5322 messages named on the command line and
// prints the folder of each one's thread.  serve reads commands from
// standard input, one per line, sharing one session's caches:
//
//	resolve FILE
//	retry FILE
//	locate FILE
//	invalidate
//
// index writes the SQLite index of the configured maildir, for use
// with -backend=index.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/matta/threadfolder/internal/config"
	"github.com/matta/threadfolder/internal/gmail"
	"github.com/matta/threadfolder/internal/gmailhttp"
	"github.com/matta/threadfolder/internal/imapstore"
	"github.com/matta/threadfolder/internal/maildir"
	"github.com/matta/threadfolder/internal/notmuch"
	"github.com/matta/threadfolder/internal/persist"
	"github.com/matta/threadfolder/internal/resolve"
	"github.com/matta/threadfolder/internal/store"
	"github.com/matta/threadfolder/internal/sync"
	"github.com/matta/threadfolder/internal/tracehttp"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

var (
	flagConfig  = flag.String("config", "", "configuration file (default ~/.threadfolder.toml)")
	flagBackend = flag.String("backend", "", "message store: gmail, imap, maildir, notmuch or index")
	flagTrace   = flag.Bool("T", false, "request debug tracing")
	flagVerbose = flag.Bool("v", false, "log debug messages")
)

func loadConfig() (*config.Config, error) {
	path := *flagConfig
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if *flagBackend != "" {
		cfg.Backend = *flagBackend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return zerolog.Nop(), err
	}
	if *flagVerbose || *flagTrace {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger(), nil
}

// openStore returns the configured message store and a function
// releasing it.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	nop := func() {}
	switch cfg.Backend {
	case "gmail":
		var base http.RoundTripper
		if *flagTrace {
			base = tracehttp.Wrap(nil, log)
		}
		client, err := gmailhttp.New(gmailhttp.Config{
			SSOCommand: cfg.Gmail.SSOCommand,
			User:       cfg.Gmail.User,
			APIKey:     cfg.Gmail.APIKey,
		}, base)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to initialize GMail HTTP client")
		}
		s, err := gmail.New(ctx, cfg.Gmail.PageSize, log, option.WithHTTPClient(client))
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to initialize GMail")
		}
		return s, nop, nil
	case "imap":
		return imapstore.New(imapstore.Config{
			Address:  cfg.IMAP.Address,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Insecure: cfg.IMAP.Insecure,
			PageSize: cfg.IMAP.PageSize,
		}, log), nop, nil
	case "maildir":
		return maildir.New(cfg.Maildir.Path, cfg.Maildir.PageSize, log), nop, nil
	case "notmuch":
		s, err := notmuch.New(ctx, cfg.Notmuch.Command, cfg.Notmuch.PageSize, log)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to initialize notmuch")
		}
		return s, nop, nil
	case "index":
		db, err := persist.Open(ctx, cfg.IndexPath, 0, log)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to initialize database")
		}
		return db, func() { db.Close() }, nil
	}
	return nil, nil, errors.Errorf("unknown backend %q", cfg.Backend)
}

func index(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := persist.Open(ctx, cfg.IndexPath, 0, log)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	defer db.Close()

	src := maildir.New(cfg.Maildir.Path, cfg.Maildir.PageSize, log)
	stats, err := sync.Sync(ctx, src, db, log)
	if err != nil {
		return errors.Wrap(err, "unable to index")
	}
	fmt.Printf("Indexed %d messages in %d folders into %s\n", stats.Messages, stats.Folders, cfg.IndexPath)
	return nil
}

func run(ctx context.Context) error {
	if flag.NArg() == 0 {
		return errors.New("missing command: resolve, serve or index")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "index" {
		return index(ctx, cfg, log)
	}

	s, release, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer release()
	r, err := resolve.New(cfg.ResolverConfig(), s, log)
	if err != nil {
		return err
	}

	switch cmd {
	case "resolve":
		if len(args) == 0 {
			return errors.New("resolve: no files named")
		}
		return resolveFiles(ctx, r, args, os.Stdout)
	case "serve":
		return serve(ctx, r, os.Stdin, os.Stdout)
	}
	return errors.Errorf("unknown command %q", cmd)
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "threadfolder: %v\n", err)
		os.Exit(1)
	}
}
