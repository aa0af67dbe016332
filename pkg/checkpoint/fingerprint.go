package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/taskweave/taskweave/pkg/models"
)

// Fingerprint derives the stable preference key for a checkpoint: the
// checkpoint type, the step id, and the shape (not the values) of the
// preview. Two checkpoints asking the same question about the same kind of
// step share a fingerprint even when the concrete data differs.
func Fingerprint(cp *models.Checkpoint) string {
	keys := make([]string, 0, len(cp.Preview))
	for k := range cp.Preview {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(string(cp.Type)))
	h.Write([]byte{0})
	h.Write([]byte(cp.StepID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(keys, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

type scopeCandidate struct {
	scope models.PreferenceScope
	value string
}

// scopesFor orders preference scopes from narrowest to broadest for the
// given task and step. Scopes with no value for this task are omitted;
// global always applies.
func scopesFor(task *models.Task, step *models.Step) []scopeCandidate {
	var out []scopeCandidate
	if task.Metadata != nil {
		if tt, ok := task.Metadata["task_type"].(string); ok && tt != "" {
			out = append(out, scopeCandidate{models.ScopeTaskType, tt})
		}
	}
	if step != nil && step.PluginNamespace != "" {
		out = append(out, scopeCandidate{models.ScopeAgentType, step.PluginNamespace})
	}
	return append(out, scopeCandidate{models.ScopeGlobal, ""})
}
