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

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/resolve"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// readThread parses the header of the message file at path.
func readThread(path string) (*message.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := message.ReadHeader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return h, nil
}

// describe renders a resolution the way the toolbar button shows it:
// a title, and whether acting on the folder is possible.
func describe(n int, res message.Resolution) string {
	state := "disabled"
	if res.Found() {
		state = "enabled"
	}
	return fmt.Sprintf("Thread (%d): %s\t%s", n, res, state)
}

// resolveFiles resolves the thread of every named file concurrently
// and prints the outcomes in argument order.
func resolveFiles(ctx context.Context, r *resolve.Resolver, paths []string, out io.Writer) error {
	lines := make([]string, len(paths))
	var grp errgroup.Group
	for i, path := range paths {
		grp.Go(func() error {
			h, err := readThread(path)
			if err != nil {
				return err
			}
			lines[i] = describe(len(h.IDs), r.Resolve(ctx, h.IDs))
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	for i, path := range paths {
		fmt.Fprintf(out, "%s\t%s\n", path, lines[i])
	}
	return nil
}

// serve runs a session: one command per input line, one or more
// output lines per command.  Errors concerning a single command are
// reported on out and the session continues.
func serve(ctx context.Context, r *resolve.Resolver, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		arg = strings.TrimSpace(arg)
		if cmd == "" {
			continue
		}
		if err := command(ctx, r, cmd, arg, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func command(ctx context.Context, r *resolve.Resolver, cmd, arg string, out io.Writer) error {
	if cmd == "invalidate" {
		r.InvalidateFolders()
		fmt.Fprintln(out, "ok")
		return nil
	}
	if arg == "" {
		return errors.Errorf("%s: missing file", cmd)
	}

	switch cmd {
	case "resolve":
		h, err := readThread(arg)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describe(len(h.IDs), r.Resolve(ctx, h.IDs)))
	case "retry":
		h, err := readThread(arg)
		if err != nil {
			return err
		}
		res, err := r.Retry(ctx, h.IDs)
		if errors.Is(err, resolve.ErrRetryIneligible) {
			fmt.Fprintf(out, "%s\tretry not available\n", describe(len(h.IDs), res))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describe(len(h.IDs), res))
	case "locate":
		h, err := readThread(arg)
		if err != nil {
			return err
		}
		res, msg := r.Locate(ctx, h.IDs, h.Subject)
		if msg == nil {
			fmt.Fprintf(out, "%s\tno message\n", describe(len(h.IDs), res))
			return nil
		}
		fmt.Fprintf(out, "%s\tmessage %s\n", describe(len(h.IDs), res), msg.StoreID)
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
	return nil
}
