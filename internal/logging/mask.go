package logging

import log "github.com/sirupsen/logrus"

// MaskToken shortens a credential id to its first 6 and last 4 characters
// for safe logging, per spec.md §7's propagation policy. Short ids (too
// short to usefully mask) are returned unchanged rather than reduced to
// ambiguous dots.
func MaskToken(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "..." + id[len(id)-4:]
}

// tokenIDMaskHook masks the "id" field on every log entry before it is
// formatted, so call sites can log a credential id as a plain field without
// remembering to mask it themselves.
type tokenIDMaskHook struct{}

func (tokenIDMaskHook) Levels() []log.Level {
	return log.AllLevels
}

func (tokenIDMaskHook) Fire(entry *log.Entry) error {
	if id, ok := entry.Data["id"].(string); ok {
		entry.Data["id"] = MaskToken(id)
	}
	return nil
}
