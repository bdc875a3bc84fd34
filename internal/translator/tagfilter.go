package translator

import "strings"

// TagFilter suppresses text between matching opening/closing tags from a
// configured set (default xaiartifact, xai:tool_usage_card, grok:render),
// case-insensitively, tracking nesting depth per tag name so an inner tag of
// the same name doesn't prematurely close the outer one. New domain logic;
// the teacher has no foreign markup layer to filter.
type TagFilter struct {
	tags  map[string]bool
	depth map[string]int
	// pending holds bytes that might be the start of a tag until enough
	// input has arrived to decide; returned as plain text by Flush if it
	// never resolved into one (spec.md §4.3 "tolerant" unterminated rule).
	pending strings.Builder
	// suppressedBuf holds text suppressed under the currently-open filtered
	// tag(s). Discarded when the tag closes normally; flushed as plain text
	// if the stream ends while it is still open (spec.md §4.3 "tolerant"
	// unterminated rule applies to tag bodies too, not just split tag starts).
	suppressedBuf strings.Builder
}

// NewTagFilter builds a filter for the given tag names (matched
// case-insensitively).
func NewTagFilter(tags []string) *TagFilter {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = true
	}
	return &TagFilter{tags: set, depth: make(map[string]int)}
}

// Feed appends text and returns the portion that should be emitted now
// (i.e. not currently suppressed inside a filtered tag's body).
func (f *TagFilter) Feed(text string) string {
	f.pending.WriteString(text)
	buf := f.pending.String()
	f.pending.Reset()

	var out strings.Builder
	i := 0
	for i < len(buf) {
		open := strings.IndexByte(buf[i:], '<')
		if open == -1 {
			// No more tags possible in this chunk; the remainder might be
			// the start of one split across Feed calls, so hold it back
			// only if it could plausibly be an incomplete tag.
			rest := buf[i:]
			if idx := strings.LastIndexByte(rest, '<'); idx >= 0 && !strings.ContainsAny(rest[idx:], ">") {
				f.writeOrSuppress(&out, rest[:idx])
				f.pending.WriteString(rest[idx:])
			} else {
				f.writeOrSuppress(&out, rest)
			}
			break
		}
		open += i
		f.writeOrSuppress(&out, buf[i:open])

		close := strings.IndexByte(buf[open:], '>')
		if close == -1 {
			// Incomplete tag at end of chunk; hold it for the next Feed.
			f.pending.WriteString(buf[open:])
			break
		}
		close += open
		tagBody := buf[open+1 : close]
		name, isClose := parseTagName(tagBody)
		if f.tags[name] {
			wasSuppressed := f.suppressed()
			if isClose {
				if f.depth[name] > 0 {
					f.depth[name]--
				}
			} else {
				f.depth[name]++
			}
			if wasSuppressed && !f.suppressed() {
				// The tag closed normally; its body was correctly
				// filtered out, so the buffered copy is discarded.
				f.suppressedBuf.Reset()
			}
		} else {
			// Not a filtered tag: treat it as literal text (this translator
			// only suppresses the configured container tags, not arbitrary
			// markup).
			f.writeOrSuppress(&out, buf[open:close+1])
		}
		i = close + 1
	}
	return out.String()
}

func (f *TagFilter) writeOrSuppress(out *strings.Builder, s string) {
	if f.suppressed() {
		f.suppressedBuf.WriteString(s)
		return
	}
	out.WriteString(s)
}

func (f *TagFilter) suppressed() bool {
	for _, d := range f.depth {
		if d > 0 {
			return true
		}
	}
	return false
}

// parseTagName extracts the lowercase tag name from a `<...>` body, and
// whether it's a closing tag (`</name>`).
func parseTagName(body string) (string, bool) {
	body = strings.TrimSpace(body)
	isClose := strings.HasPrefix(body, "/")
	if isClose {
		body = body[1:]
	}
	body = strings.TrimSuffix(body, "/") // tolerate self-closing form
	end := len(body)
	for i, r := range body {
		if r == ' ' || r == '\t' || r == '\n' {
			end = i
			break
		}
	}
	return strings.ToLower(body[:end]), isClose
}

// Flush returns any text held back — either because it looked like an
// incomplete tag, or because it was suppressed under a filtered tag that
// never closed — to be called at stream end per the "tolerant"
// unterminated-tag rule: an unclosed tag's body is released as plain text
// rather than lost.
func (f *TagFilter) Flush() string {
	var b strings.Builder
	b.WriteString(f.suppressedBuf.String())
	b.WriteString(f.pending.String())
	f.suppressedBuf.Reset()
	f.pending.Reset()
	return b.String()
}
