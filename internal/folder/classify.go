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

package folder

import (
	"regexp"
	"strings"

	"github.com/matta/threadfolder/internal/message"
)

// systemTags are the tags of folders that never answer a thread
// lookup: a message there says nothing about where the thread is
// filed.
var systemTags = []message.Tag{
	message.TagInbox,
	message.TagJunk,
	message.TagDrafts,
	message.TagSent,
}

// IsSystem reports whether f is an inbox, junk, drafts or sent folder.
func IsSystem(f *message.Folder) bool {
	for _, t := range systemTags {
		if f.Has(t) {
			return true
		}
	}
	return false
}

var namePatterns = []struct {
	re  *regexp.Regexp
	tag message.Tag
}{
	{regexp.MustCompile(`^inbox$`), message.TagInbox},
	{regexp.MustCompile(`(^|/)(spam|junk)( e-?mail)?$`), message.TagJunk},
	{regexp.MustCompile(`(^|/)drafts?$`), message.TagDrafts},
	{regexp.MustCompile(`(^|/)sent( items| messages| mail)?$`), message.TagSent},
	{regexp.MustCompile(`(^|/)(trash|bin|deleted( items| messages)?)$`), message.TagTrash},
	{regexp.MustCompile(`(^|/)archives?$`), message.TagArchive},
	{regexp.MustCompile(`(^|/)all mail$`), message.TagAll},
}

// TagsForName guesses the tags of a folder from its path, for stores
// that carry no special-use metadata.  The Gmail style "[Gmail]/"
// prefix is ignored.
func TagsForName(path string) []message.Tag {
	name := strings.ToLower(strings.TrimSpace(path))
	name = strings.TrimPrefix(name, "[gmail]/")
	name = strings.TrimPrefix(name, "[googlemail]/")
	name = strings.TrimPrefix(name, "inbox.")
	name = strings.TrimPrefix(name, "inbox/")

	var tags []message.Tag
	for _, p := range namePatterns {
		if p.re.MatchString(name) {
			tags = append(tags, p.tag)
		}
	}
	return tags
}
