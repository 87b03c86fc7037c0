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
	"strings"
	"time"

	"github.com/basket/sdoh-analyst/internal/columns"
	"github.com/basket/sdoh-analyst/internal/config"
	"github.com/basket/sdoh-analyst/internal/geo"
	"github.com/basket/sdoh-analyst/internal/persistence"
	"github.com/basket/sdoh-analyst/internal/warehouse"
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

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			n++
		}
	}
	return n
}

var lookupHost = net.DefaultResolver.LookupHost

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
		checkAPIKey,
		checkDatabase,
		checkWarehouse,
		checkDictionary,
		checkPermissions,
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
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	if err := config.Validate(*cfg); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("No API key for %s; every turn will fail with an AUTH error", provider),
		Detail:  "Set providers." + provider + ".api_key in config.yaml or the provider's environment variable",
	}
}

// DBPath is where the analyst keeps its own SQLite store.
func DBPath(cfg *config.Config) string {
	return filepath.Join(cfg.HomeDir, "analyst.db")
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(DBPath(cfg), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	stats, err := store.TurnStats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Schema valid",
		Detail:  fmt.Sprintf("turns done=%d failed=%d", stats.Done, stats.Failed),
	}
}

func checkWarehouse(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Warehouse", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Warehouse.Driver == "sqlite" {
		if _, err := os.Stat(cfg.Warehouse.DSN); errors.Is(err, os.ErrNotExist) {
			return CheckResult{Name: "Warehouse", Status: "FAIL", Message: "SQLite dataset not found", Detail: cfg.Warehouse.DSN}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	src, err := warehouse.Open(ctx, warehouse.Config{Driver: cfg.Warehouse.Driver, DSN: cfg.Warehouse.DSN, Schema: cfg.Warehouse.Schema}, nil)
	if err != nil {
		return CheckResult{Name: "Warehouse", Status: "FAIL", Message: fmt.Sprintf("Connect failed: %v", err)}
	}
	defer src.Close()
	return inspectWarehouse(ctx, src, cfg.Warehouse.Schema)
}

// inspectWarehouse checks that src has tables and provides the stat
// functions the correlation tools rely on.
func inspectWarehouse(ctx context.Context, src warehouse.Source, schemaName string) CheckResult {
	snap, err := src.Snapshot(ctx)
	if err != nil {
		return CheckResult{Name: "Warehouse", Status: "FAIL", Message: fmt.Sprintf("Schema read failed: %v", err)}
	}
	names := snap.TableNames()
	if len(names) == 0 {
		return CheckResult{Name: "Warehouse", Status: "WARN", Message: fmt.Sprintf("%s schema %q has no tables", src.Driver(), schemaName)}
	}
	missing, err := warehouse.MissingFunctions(ctx, src)
	if err != nil {
		return CheckResult{Name: "Warehouse", Status: "WARN", Message: fmt.Sprintf("Function listing failed: %v", err)}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Warehouse",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s: missing %s", src.Driver(), strings.Join(missing, ", ")),
			Detail:  "Run `analyst warehouse install-functions` with a role that can create functions",
		}
	}
	return CheckResult{
		Name:    "Warehouse",
		Status:  "PASS",
		Message: fmt.Sprintf("%s: %d tables", src.Driver(), len(names)),
		Detail:  strings.Join(names, ", "),
	}
}

func checkDictionary(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dictionary", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.DictionaryPath()
	entries, err := columns.LoadCSV(path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Dictionary", Status: "WARN", Message: "No data dictionary; column search uses column names only", Detail: path}
	}
	if err != nil {
		return CheckResult{Name: "Dictionary", Status: "FAIL", Message: err.Error(), Detail: path}
	}
	return CheckResult{Name: "Dictionary", Status: "PASS", Message: fmt.Sprintf("%d column descriptions", len(entries)), Detail: path}
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

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

var providerHosts = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openrouter":        "openrouter.ai",
	"openai_compatible": "api.openai.com",
}

// networkHosts lists the hosts a configured analyst talks to.
func networkHosts(cfg *config.Config) []string {
	host := providerHosts[cfg.LLM.Provider]
	if cfg.LLM.BaseURL != "" {
		if u, err := url.Parse(cfg.LLM.BaseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	if host == "" {
		host = providerHosts["google"]
	}
	hosts := []string{host}
	if cfg.Geo.Enabled && cfg.Geo.MCP.URL == "" && cfg.Geo.MCP.Command == "" {
		for _, raw := range []string{
			firstNonEmpty(cfg.Geo.OverpassURL, geo.DefaultOverpassURL),
			firstNonEmpty(cfg.Geo.NominatimURL, geo.DefaultNominatimURL),
		} {
			if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
				hosts = append(hosts, u.Hostname())
			}
		}
	}
	return hosts
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	var (
		resolved []string
		failed   []string
	)
	for _, host := range networkHosts(cfg) {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		addrs, err := lookupHost(lookupCtx, host)
		cancel()
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		resolved = append(resolved, fmt.Sprintf("%s (%d addresses, %dms)", host, len(addrs), time.Since(start).Milliseconds()))
	}

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %d host(s)", len(failed)),
			Detail:  strings.Join(failed, "; "),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %d host(s)", len(resolved)),
		Detail:  strings.Join(resolved, "; "),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
