/*
Package gmailhttp implements an HTTP client for gmail.

OAuth2.0 tokens are acquired by running an external program.  The
program should behave identically to the one used by
https://github.com/google/oauth2l (see
https://github.com/google/oauth2l/blob/master/util/sso.go): given a
user and a space separated scope it prints an access token.

Some Gmail deployments also require an API key on every request; it
is sent when configured.

BUGS:

The SSO program does not report the token's expire time, so tokens
are re-fetched every five minutes.  Tokens invalidated by the server
before then are not refreshed.
*/
package gmailhttp

import (
	"bytes"
	"net/http"
	"os/exec"
	"os/user"
	"strings"
	"time"

	"github.com/matta/threadfolder/internal/gmail"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi/transport"
)

const tokenLifetime = 5 * time.Minute

// Config names the token program and the account to authenticate.
type Config struct {
	// The sso command path.  Required.
	SSOCommand string

	// The user to authenticate.  Defaults to the current user name.
	User string

	// Optional API key sent with every request.
	APIKey string
}

// ssoTokenSource encodes the information required to run an external
// program to retrieve an OAuth 2.0 bearer token for a given user and
// set of scopes.
type ssoTokenSource struct {
	// The sso command name.
	sso string

	// The user name to authenticate.
	user string

	// The scope (space separated) to authenticate.
	scope string

	now func() time.Time
}

// Token returns a new token for the specified user and scopes by
// executing the specified external program.  Satisfies
// oauth2.TokenSource.
func (s *ssoTokenSource) Token() (*oauth2.Token, error) {
	cmd := exec.Command(s.sso, s.user, s.scope)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "running %s", s.sso)
	}

	accessToken := strings.TrimSpace(out.String())
	if accessToken == "" {
		return nil, errors.Errorf("%s printed no token", s.sso)
	}

	return &oauth2.Token{
		AccessToken: accessToken,
		Expiry:      s.now().Add(tokenLifetime),
	}, nil
}

// username returns the current user name or an error.
func username() (string, error) {
	user, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "looking up current user")
	}
	return user.Username, nil
}

// New returns a new HTTP client capable of using the GMail API.  base
// carries the requests; nil means http.DefaultTransport.
func New(cfg Config, base http.RoundTripper) (*http.Client, error) {
	if cfg.SSOCommand == "" {
		return nil, errors.New("gmail needs an sso command")
	}
	u := cfg.User
	if u == "" {
		var err error
		if u, err = username(); err != nil {
			return nil, err
		}
	}

	src := &ssoTokenSource{
		sso:   cfg.SSOCommand,
		user:  u,
		scope: gmail.ReadonlyScope,
		now:   time.Now,
	}

	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.APIKey != "" {
		base = &transport.APIKey{Key: cfg.APIKey, Transport: base}
	}

	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}

	return &http.Client{Transport: trans}, nil
}
