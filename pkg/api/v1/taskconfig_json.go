package v1

import "encoding/json"

// knownTaskConfigKeys lists every wire key TaskConfig's typed fields own;
// any other key in the JSON object is routed into Extra.
var knownTaskConfigKeys = map[string]bool{
	"repo_url":         true,
	"git_branch":       true,
	"git_token_env_key": true,
	"mcp_config":       true,
	"mcp_server_ids":   true,
	"skill_config":     true,
	"skill_ids":        true,
	"subagent_ids":     true,
	"input_files":      true,
	"browser_enabled":  true,
	"container_mode":   true,
	"container_id":     true,
}

// taskConfigAlias avoids infinite recursion into TaskConfig's own
// Marshal/Unmarshal when round-tripping the typed fields.
type taskConfigAlias TaskConfig

// MarshalJSON emits the typed fields plus every Extra key flattened back
// into the top-level object, so a TaskConfig round-trips byte-for-shape
// with what a caller originally posted.
func (t TaskConfig) MarshalJSON() ([]byte, error) {
	alias := taskConfigAlias(t)
	base, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if _, known := knownTaskConfigKeys[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the typed fields and captures every remaining key
// into Extra, preserving it untouched for later re-serialization.
func (t *TaskConfig) UnmarshalJSON(data []byte) error {
	var alias taskConfigAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if knownTaskConfigKeys[k] {
			continue
		}
		extra[k] = v
	}

	*t = TaskConfig(alias)
	if len(extra) > 0 {
		t.Extra = extra
	}
	return nil
}
