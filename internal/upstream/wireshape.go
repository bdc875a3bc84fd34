package upstream

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RewriteChatBody adapts the gateway's canonical OpenAI-shaped chat body into
// the field names the upstream actually expects, grounded on the teacher's
// internal/util.RenameKey (gjson.Get + sjson.SetRaw + sjson.Delete) for
// moving a value between key paths without a full unmarshal/remarshal.
// reasoning_effort becomes thinking_level, and the video_config/image_config
// steering blocks are flattened to top-level video/image keys the way the
// upstream's request schema names them.
func RewriteChatBody(body []byte) ([]byte, error) {
	out := string(body)
	var err error
	if out, err = renameIfPresent(out, "reasoning_effort", "thinking_level"); err != nil {
		return nil, err
	}
	if out, err = renameIfPresent(out, "video_config", "video"); err != nil {
		return nil, err
	}
	if out, err = renameIfPresent(out, "image_config", "image"); err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// renameIfPresent moves the value at oldKey to newKey, leaving jsonStr
// unchanged when oldKey is absent.
func renameIfPresent(jsonStr, oldKey, newKey string) (string, error) {
	value := gjson.Get(jsonStr, oldKey)
	if !value.Exists() {
		return jsonStr, nil
	}
	moved, err := sjson.SetRaw(jsonStr, newKey, value.Raw)
	if err != nil {
		return "", fmt.Errorf("upstream: set %s: %w", newKey, err)
	}
	cleaned, err := sjson.Delete(moved, oldKey)
	if err != nil {
		return "", fmt.Errorf("upstream: delete %s: %w", oldKey, err)
	}
	return cleaned, nil
}
