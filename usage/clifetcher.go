package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sessiondeck/sessiondeck/profile"
)

const fetchTimeout = 30 * time.Second

// credentialEnvVar scopes the CLI invocation to the profile's credentials
const credentialEnvVar = "CLAUDE_CONFIG_DIR"

// CLIFetcher reads usage by invoking the agent CLI under the profile's
// credential directory and parsing its JSON output
type CLIFetcher struct {
	Command string
}

// NewCLIFetcher creates a fetcher that shells out to the given agent command
func NewCLIFetcher(command string) *CLIFetcher {
	return &CLIFetcher{Command: command}
}

type cliUsagePayload struct {
	Session struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    string  `json:"resets_at"`
	} `json:"session"`
	Weekly struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    string  `json:"resets_at"`
	} `json:"weekly"`
}

// FetchUsage implements Fetcher
func (f *CLIFetcher) FetchUsage(ctx context.Context, p profile.Profile) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Command, "usage", "--json")
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", credentialEnvVar, p.CredentialDir))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("usage command failed: %w", err)
	}

	var payload cliUsagePayload
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse usage output: %w", err)
	}

	snap := &Snapshot{
		SessionPercent: payload.Session.UsedPercent,
		WeeklyPercent:  payload.Weekly.UsedPercent,
	}
	if t, err := time.Parse(time.RFC3339, payload.Session.ResetsAt); err == nil {
		snap.SessionResetAt = t
	}
	if t, err := time.Parse(time.RFC3339, payload.Weekly.ResetsAt); err == nil {
		snap.WeeklyResetAt = t
	}
	return snap, nil
}
