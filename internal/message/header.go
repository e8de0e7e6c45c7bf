package message

import (
	"io"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// Header is the subset of a message's header needed to resolve its
// thread.
type Header struct {
	// The message's own Message-ID, if any.
	ID ID

	// The thread's identifiers: References, then In-Reply-To, then
	// Message-ID, without duplicates.
	IDs []ID

	Subject string
}

// ThreadIDs collects the thread identifiers named by h.  Order follows
// the References, In-Reply-To and Message-ID headers; repeated
// identifiers are kept once.  A header that does not parse as a list
// of msg-ids contributes whatever bracketed tokens it holds.
func ThreadIDs(h mail.Header) []ID {
	var ids []ID
	seen := make(map[string]bool)
	for _, key := range []string{"References", "In-Reply-To", "Message-ID"} {
		for _, id := range msgIDs(h, key) {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, ID(id))
		}
	}
	return ids
}

var looseMsgID = regexp.MustCompile(`<[^<>]+>`)

// msgIDs returns the identifiers in the header field key, without
// angle brackets.
func msgIDs(h mail.Header, key string) []string {
	list, err := h.MsgIDList(key)
	if err == nil {
		return nonEmpty(list)
	}
	var ids []string
	for _, tok := range looseMsgID.FindAllString(h.Get(key), -1) {
		ids = append(ids, strings.TrimSpace(tok[1:len(tok)-1]))
	}
	return nonEmpty(ids)
}

func nonEmpty(list []string) []string {
	out := list[:0]
	for _, s := range list {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ReadHeader parses the header of the RFC 5322 message read from r.
// The body is not consumed beyond what the parser buffers.
func ReadHeader(r io.Reader) (*Header, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "reading message header")
	}
	if mr == nil {
		return nil, errors.New("reading message header: no header")
	}
	defer mr.Close()

	var id ID
	if own := msgIDs(mr.Header, "Message-ID"); len(own) > 0 {
		id = ID(own[0])
	}
	subject, err := mr.Header.Subject()
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "decoding Subject header")
	}
	return &Header{ID: id, IDs: ThreadIDs(mr.Header), Subject: subject}, nil
}
