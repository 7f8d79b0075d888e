package supervisor

import "strings"

// Variables of the orchestrator's own environment that never reach a worker:
// its settings and the credentials it uses to fetch artifacts. A template
// that needs one passes it explicitly.
var (
	withheldPrefixes = []string{"DEPLOYD_", "AWS_"}
	withheldKeys     = map[string]bool{
		"HUGGINGFACE_TOKEN": true,
		"HF_TOKEN":          true,
		"HF_ENDPOINT":       true,
	}
)

func withheld(key string) bool {
	if withheldKeys[key] {
		return true
	}
	for _, p := range withheldPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// workerEnv filters base and appends the explicit entries unchanged.
func workerEnv(base []string, explicit ...string) []string {
	out := make([]string, 0, len(base)+len(explicit))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if withheld(key) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, explicit...)
}
