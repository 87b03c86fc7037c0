package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/sdoh-analyst/internal/audit"
	"github.com/basket/sdoh-analyst/internal/policy"
)

// ServerConfig names one MCP server. URL selects the websocket transport;
// otherwise Command is started over stdio.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Token   string            `yaml:"token"`
}

// Enabled reports whether the config names any server at all.
func (c ServerConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != "" || strings.TrimSpace(c.Command) != ""
}

// Dial connects and initializes a client. Remote servers need the geo.mcp
// capability and an allowlisted host.
func Dial(ctx context.Context, cfg ServerConfig, pol policy.Checker, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("mcp server %q has neither url nor command", cfg.Name)
	}

	var (
		transport Transport
		err       error
	)
	if cfg.URL != "" {
		if pol == nil || !pol.AllowCapability(policy.CapGeoMCP) || !pol.AllowHTTPURL(cfg.URL) {
			version := ""
			if pol != nil {
				version = pol.PolicyVersion()
			}
			audit.Record(ctx, audit.Deny, policy.CapGeoMCP, "host or capability not allowed", version, cfg.URL)
			return nil, fmt.Errorf("policy denied mcp server %s", cfg.URL)
		}
		audit.Record(ctx, audit.Allow, policy.CapGeoMCP, "allowlisted", pol.PolicyVersion(), cfg.URL)
		var header http.Header
		if cfg.Token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
		}
		transport, err = DialWebSocket(ctx, cfg.URL, header)
	} else {
		transport, err = NewStdioTransport(cfg.Command, cfg.Args, cfg.Env, logger)
	}
	if err != nil {
		return nil, err
	}

	client := NewClient(cfg.Name, transport, logger)
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("mcp server initialized", "name", cfg.Name)
	return client, nil
}
