package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/authcore/internal/config"
	"github.com/basket/authcore/internal/cron"
	"github.com/basket/authcore/internal/persistence"
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
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
		checkMasterKey,
		checkCredentialStore,
		checkPermissions,
		checkSchedule,
		checkBackend,
		checkEvents,
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
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkMasterKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Master Key", Status: "SKIP", Message: "Config missing"}
	}
	switch n := len(cfg.MasterKey); {
	case n == 0:
		return CheckResult{
			Name:    "Master Key",
			Status:  "FAIL",
			Message: "No master key configured",
			Detail:  "Set AUTHCORE_MASTER_KEY (at least 16 bytes)",
		}
	case n < persistence.MinMasterKeyLen:
		return CheckResult{Name: "Master Key", Status: "FAIL", Message: fmt.Sprintf("Master key too short (%d bytes)", n)}
	}
	if os.Getenv("AUTHCORE_MASTER_KEY") == "" {
		return CheckResult{Name: "Master Key", Status: "WARN", Message: "Master key read from config.yaml", Detail: "Prefer AUTHCORE_MASTER_KEY"}
	}
	return CheckResult{Name: "Master Key", Status: "PASS", Message: "AUTHCORE_MASTER_KEY is set"}
}

// checkCredentialStore opens the store and unseals the stored user id, which
// fails when the master key differs from the one the values were sealed with.
func checkCredentialStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.MasterKey) < persistence.MinMasterKeyLen {
		return CheckResult{Name: "Credential Store", Status: "SKIP", Message: "Master key missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Credential Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	names, err := store.Names(ctx)
	if err != nil {
		return CheckResult{Name: "Credential Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	sealed, err := persistence.NewSealed(store, []byte(cfg.MasterKey))
	if err != nil {
		return CheckResult{Name: "Credential Store", Status: "FAIL", Message: err.Error()}
	}
	for _, name := range names {
		if _, err := sealed.Get(ctx, name); err != nil {
			if errors.Is(err, persistence.ErrSealedValueCorrupt) {
				return CheckResult{
					Name:    "Credential Store",
					Status:  "FAIL",
					Message: "Stored values do not open with the configured master key",
					Detail:  "Restore the previous key or run `authcore reset`",
				}
			}
			return CheckResult{Name: "Credential Store", Status: "FAIL", Message: fmt.Sprintf("Read failed: %v", err)}
		}
	}

	return CheckResult{Name: "Credential Store", Status: "PASS", Message: fmt.Sprintf("%d sealed values readable", len(names)), Detail: cfg.DBPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	info, err := os.Stat(cfg.HomeDir)
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  "WARN",
			Message: fmt.Sprintf("Home directory is %04o", info.Mode().Perm()),
			Detail:  "Credentials live here; chmod 700 is recommended",
		}
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Refresh Schedule", Status: "SKIP", Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.RefreshCheckSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Refresh Schedule", Status: "FAIL", Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.RefreshCheckSchedule, err)}
	}
	return CheckResult{
		Name:    "Refresh Schedule",
		Status:  "PASS",
		Message: fmt.Sprintf("%q next fires %s", cfg.RefreshCheckSchedule, next.Format(time.RFC3339)),
	}
}

func checkBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.BackendURL == "" {
		return CheckResult{Name: "Backend", Status: "WARN", Message: "backend_url not set", Detail: "Refresh, sign-in and register are unavailable"}
	}
	return resolve(ctx, "Backend", cfg.BackendURL)
}

func checkEvents(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Events", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.EventsURL == "" {
		return CheckResult{Name: "Events", Status: "SKIP", Message: "events_url not set"}
	}
	return resolve(ctx, "Events", cfg.EventsURL)
}

func resolve(ctx context.Context, name, raw string) CheckResult {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: name, Status: "FAIL", Message: fmt.Sprintf("Invalid URL %q", raw)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    name,
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
