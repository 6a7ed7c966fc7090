package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SessionStatus classifies what an externally-hosted worker is doing.
type SessionStatus string

const (
	// SessionBusy means the worker reports active work.
	SessionBusy SessionStatus = "busy"
	// SessionIdle means the worker is up but waiting for input.
	SessionIdle SessionStatus = "idle"
	// SessionUnavailable means the worker endpoint cannot be reached.
	SessionUnavailable SessionStatus = "unavailable"
)

// probeTimeout bounds each worker status probe.
const probeTimeout = 2 * time.Second

// Probe inspects externally-hosted worker sessions. Session workers
// expose a local HTTP API; the probe finds its port from the pane PID
// and classifies the session as busy, idle or unavailable.
type Probe struct {
	runner CommandRunner
	client *http.Client
	log    *slog.Logger
}

func NewProbe(runner CommandRunner, log *slog.Logger) *Probe {
	if runner == nil {
		runner = ExecCommandRunner
	}
	return &Probe{
		runner: runner,
		client: &http.Client{Timeout: probeTimeout},
		log:    log.With("component", "probe"),
	}
}

// DiscoverEndpoint finds the first TCP port the worker under pid is
// listening on. The worker is usually a child of the pane shell, so
// the scan covers pid and its direct children. Returns false when
// nothing listens yet; callers retry on a later tick.
func (p *Probe) DiscoverEndpoint(ctx context.Context, pid int) (int, bool) {
	pids := []string{strconv.Itoa(pid)}
	if out, err := p.runner(ctx, "pgrep", "-P", strconv.Itoa(pid)); err == nil {
		pids = append(pids, strings.Fields(string(out))...)
	}

	// lsof exits non-zero when no sockets match.
	out, err := p.runner(ctx, "lsof", "-a", "-p", strings.Join(pids, ","), "-iTCP", "-sTCP:LISTEN", "-P", "-n")
	if err != nil {
		return 0, false
	}
	port, ok := parseListenPort(string(out))
	if ok {
		p.log.Debug("discovered worker endpoint", "pid", pid, "port", port)
	}
	return port, ok
}

// CheckStatus probes the worker status endpoint on a local port.
// Connection failures and unparseable responses mean the worker cannot
// be classified and report as unavailable.
func (p *Probe) CheckStatus(ctx context.Context, port int) SessionStatus {
	url := fmt.Sprintf("http://127.0.0.1:%d/session", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return SessionUnavailable
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return SessionUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SessionUnavailable
	}

	// Response shape: [{"type": "idle"}, ...]
	var sessions []struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return SessionUnavailable
	}
	for _, s := range sessions {
		if s.Type != "" && s.Type != "idle" {
			return SessionBusy
		}
	}
	return SessionIdle
}

// PidAlive reports whether a process with the given PID exists.
func PidAlive(pid int) bool {
	return defaultPIDAlive(pid)
}

// parseListenPort extracts the first listening port from lsof output.
// The address is the second-to-last field of a LISTEN line, e.g.
// "worker 123 u 6u IPv4 ... TCP 127.0.0.1:4096 (LISTEN)".
func parseListenPort(out string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "(LISTEN)") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr := fields[len(fields)-2]
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(addr[idx+1:])
		if err != nil {
			continue
		}
		return port, true
	}
	return 0, false
}
