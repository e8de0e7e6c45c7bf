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

// Package tracehttp logs HTTP traffic for debugging store backends.
package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/rs/zerolog"
)

const redacted = "REDACTED"

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      zerolog.Logger
}

// RoundTrip logs a dump of the request and response while delegating the
// round trip to the delegate.  Credentials are not logged.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	logged := req
	if req.Header.Get("Authorization") != "" {
		logged = req.Clone(req.Context())
		logged.Header.Set("Authorization", redacted)
	}
	dump, err := httputil.DumpRequestOut(logged, false)
	if err == nil {
		t.log.Debug().Str("dump", string(dump)).Msg("http request")
	}

	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Debug().Err(err).Str("url", req.URL.String()).Msg("http request failed")
		return nil, err
	}
	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		t.log.Debug().Str("dump", string(dump)).Msg("http response")
	}
	return resp, nil
}

// Wrap returns d with tracing to log.  A nil d wraps
// http.DefaultTransport.
func Wrap(d http.RoundTripper, log zerolog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}
