package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/mserver"
)

// ScriptDispatcher runs an external command whenever a monitor classifies
// a status-change event, substituting $INITIATOR/$PARENT/$CHILDREN/
// $EVENT/$NODELIST/$LIST/$MASTERLIST/$SLAVELIST style placeholders into
// the configured command line before exec'ing it.
type ScriptDispatcher struct {
	Command string
	Timeout time.Duration
}

// NewScriptDispatcher creates a dispatcher for command, using timeout
// (defaulting to 90s, matching the monitor's own script_timeout default)
// to bound each run.
func NewScriptDispatcher(command string, timeout time.Duration) *ScriptDispatcher {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ScriptDispatcher{Command: command, Timeout: timeout}
}

// Launch substitutes placeholders for event on initiator (given the
// monitor's full server list for the list-valued substitutions) and runs
// the resulting command line. Exit code 0 means success; any other value
// or a launch failure is returned as an error so the caller can log it.
func (d *ScriptDispatcher) Launch(ctx context.Context, event Event, initiator *mserver.Server, parent *mserver.Server, children []*mserver.Server, all []*mserver.Server) error {
	if d.Command == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	substituted := d.substitute(event, initiator, parent, children, all)

	fields := strings.Fields(substituted)
	if len(fields) == 0 {
		return fmt.Errorf("monitor: empty script command after substitution")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("monitor: script %q for event %s on %s failed: %w (output: %s)",
			d.Command, event, initiator.Name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (d *ScriptDispatcher) substitute(event Event, initiator, parent *mserver.Server, children, all []*mserver.Server) string {
	cmd := d.Command
	cmd = replaceIfPresent(cmd, "$INITIATOR", func() string { return endpointOf(initiator) })
	cmd = replaceIfPresent(cmd, "$PARENT", func() string {
		if parent == nil {
			return ""
		}
		return endpointOf(parent)
	})
	cmd = replaceIfPresent(cmd, "$CHILDREN", func() string { return joinEndpoints(children) })
	cmd = replaceIfPresent(cmd, "$EVENT", func() string { return event.String() })
	cmd = replaceIfPresent(cmd, "$NODELIST", func() string { return filterEndpoints(all, mserver.StatusRunning) })
	cmd = replaceIfPresent(cmd, "$LIST", func() string { return joinEndpoints(all) })
	cmd = replaceIfPresent(cmd, "$MASTERLIST", func() string { return filterEndpoints(all, mserver.StatusMaster) })
	cmd = replaceIfPresent(cmd, "$SLAVELIST", func() string { return filterEndpoints(all, mserver.StatusSlave) })
	cmd = replaceIfPresent(cmd, "$SYNCEDLIST", func() string { return filterEndpoints(all, mserver.StatusJoined) })
	return cmd
}

func replaceIfPresent(s, token string, gen func() string) string {
	if !strings.Contains(s, token) {
		return s
	}
	return strings.ReplaceAll(s, token, gen())
}

func endpointOf(s *mserver.Server) string {
	a := s.Address()
	return fmt.Sprintf("[%s]:%d", a.Host, a.Port)
}

func joinEndpoints(servers []*mserver.Server) string {
	parts := make([]string, 0, len(servers))
	for _, s := range servers {
		parts = append(parts, endpointOf(s))
	}
	return strings.Join(parts, ",")
}

func filterEndpoints(servers []*mserver.Server, bit mserver.Status) string {
	var parts []string
	for _, s := range servers {
		if s.Is(bit) {
			parts = append(parts, endpointOf(s))
		}
	}
	return strings.Join(parts, ",")
}
