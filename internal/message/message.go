package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"sort"
	"strings"
)

// ID is a message's header identifier token, as found in the
// Message-ID, In-Reply-To and References headers.  It is opaque and
// case sensitive.
type ID string

// ThreadKey is the canonical cache key of a thread's identifier set.
type ThreadKey string

// Key returns the ThreadKey for ids.  Set-equal inputs produce the
// same key regardless of order.  The caller's slice is not modified.
func Key(ids []ID) ThreadKey {
	sorted := make([]string, len(ids))
	for i, id := range ids {
		sorted[i] = string(id)
	}
	sort.Strings(sorted)
	return ThreadKey(strings.Join(sorted, ","))
}

// Tag classifies a folder's role in a mailbox.
type Tag string

const (
	TagInbox   Tag = "inbox"
	TagJunk    Tag = "junk"
	TagDrafts  Tag = "drafts"
	TagSent    Tag = "sent"
	TagTrash   Tag = "trash"
	TagArchive Tag = "archive"
	TagAll     Tag = "all"
)

// Folder is a container of messages in a message store.  Folders are
// owned by the store that listed them and are shared by pointer; they
// must not be modified after being returned.
type Folder struct {
	// The store specific identifier used to query the folder.
	ID string

	// The user visible path, e.g. "Projects/2019".
	Path string

	// The folder's classification.  Empty for ordinary user
	// folders.
	Tags []Tag
}

// Has reports whether the folder carries tag.
func (f *Folder) Has(tag Tag) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Message is a single message as reported by a message store query.
type Message struct {
	// The store's own identifier for the message (a UID, a Gmail
	// message id, a maildir key).
	StoreID string

	// The message's header identifier.  May be empty when the store
	// does not report it.
	ID ID

	Subject string

	// The folder the message was found in.
	Folder *Folder
}

// Resolution is the outcome of resolving a thread to a folder: either
// resolved to Folder, or not found when Folder is nil.
type Resolution struct {
	Folder *Folder
}

// NotFound is the Resolution of a thread with no message in any
// candidate folder.
var NotFound = Resolution{}

// Resolved returns the Resolution naming f.
func Resolved(f *Folder) Resolution {
	return Resolution{Folder: f}
}

// Found reports whether the thread resolved to a folder.
func (r Resolution) Found() bool {
	return r.Folder != nil
}

func (r Resolution) String() string {
	if r.Folder == nil {
		return "not found"
	}
	return r.Folder.Path
}
