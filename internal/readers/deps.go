package readers

import (
	"strings"

	"github.com/oriys/pulsar/internal/cluster"
	"github.com/oriys/pulsar/internal/hook"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
)

// Deps carries the collaborators reader kinds need: host access, the
// cluster view, the execution runner, and the command-hook registry.
// Metrics and Tracer may be nil.
type Deps struct {
	Host    host.Host
	View    *cluster.View
	Runner  Runner
	Hooks   *hook.Registry
	Metrics *metrics.Metrics
	Tracer  *observability.Tracer
}

func (d *Deps) triggerFired(reader, outcome string) {
	if d.Metrics != nil {
		d.Metrics.TriggerFired(reader, outcome)
	}
}

// matchPattern matches key against a prefix pattern: a trailing '*' matches
// any suffix, anything else matches exactly.
func matchPattern(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	}
	return pattern == key
}

// patternPrefix strips the trailing '*' for APIs that want a plain prefix.
func patternPrefix(pattern string) string {
	return strings.TrimSuffix(pattern, "*")
}

func containsString(list []string, s string) bool {
	for _, cur := range list {
		if strings.EqualFold(cur, s) {
			return true
		}
	}
	return false
}
