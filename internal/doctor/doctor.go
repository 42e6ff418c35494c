// Package doctor runs startup diagnostics: is the database openable, is
// Docker reachable for spawning containers, is the groups root writable,
// and is the configured channel driver reachable.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/groupgate/internal/config"
	"github.com/basket/groupgate/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkGroupsRoot,
		checkDocker,
		checkChannel,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.DB().PingContext(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}

	groups, err := store.ListGroups(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Connection and schema valid (%d registered groups)", len(groups))}
}

func checkGroupsRoot(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.GroupsRoot == "" {
		return CheckResult{Name: "Groups Root", Status: "SKIP", Message: "Config missing"}
	}

	if err := os.MkdirAll(cfg.GroupsRoot, 0o755); err != nil {
		return CheckResult{Name: "Groups Root", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", cfg.GroupsRoot, err)}
	}

	testFile := filepath.Join(cfg.GroupsRoot, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Groups Root", Status: "FAIL", Message: fmt.Sprintf("Groups root unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Groups Root", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.GroupsRoot)}
}

// checkDocker confirms the docker CLI is present and the daemon is
// reachable: every group turn spawns a container, so this is a hard
// dependency rather than an optional sandbox feature.
func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "docker CLI not found on PATH"}
	}

	args := []string{"info"}
	if cfg != nil && cfg.Docker.Host != "" {
		args = append([]string{"-H", cfg.Docker.Host}, args...)
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("daemon unreachable: %v", err)}
	}

	image := "groupgate-agent:latest"
	if cfg != nil && cfg.Docker.Image != "" {
		image = cfg.Docker.Image
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "daemon reachable", Detail: fmt.Sprintf("image=%s", image)}
}

// checkChannel verifies the enabled channel driver has the credentials it
// needs. Only Telegram is wired today; an unconfigured channel leaves the
// gateway with no way to receive messages, so this is WARN not SKIP.
func checkChannel(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channel", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Channel", Status: "WARN", Message: "no channel driver enabled"}
	}
	if cfg.Channels.Telegram.Token == "" {
		return CheckResult{Name: "Channel", Status: "FAIL", Message: "telegram enabled but token not set"}
	}
	return CheckResult{Name: "Channel", Status: "PASS", Message: "telegram configured"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	host := "api.telegram.org"
	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "no channel driver enabled to check connectivity for"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
