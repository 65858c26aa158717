package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/sndwch/cliffracer-sub001/internal/config"
)

const validConfigContent = `
version = "v1"
log_level = "info"

[orchestrator]
shared_connections = true
drain_timeout = "15s"

[[services]]
name = "calc"
http_port = 8080

[[services]]
name = "audit"
`

const invalidConfigContent = `
version = "v1"

[[services]]
name = "calc"

[[services]]
name = "calc"
`

// createTempConfigFile creates a temporary config file with the given content
func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "test_config.toml")
	err := os.WriteFile(configPath, []byte(content), 0o644)
	require.NoError(t, err)

	return configPath
}

func TestValidateLocal(t *testing.T) {
	t.Run("valid_config_summary", func(t *testing.T) {
		configPath := createTempConfigFile(t, validConfigContent)

		var out bytes.Buffer
		err := validateLocal(configPath, false, &out)
		require.NoError(t, err)

		assert.Contains(t, out.String(), "is valid")
		assert.Contains(t, out.String(), configPath)
		assert.Contains(t, out.String(), "Services: 2")
		assert.Contains(t, out.String(), "Listeners: 1")
		assert.Contains(t, out.String(), "Use --tree for a more detailed view")
	})

	t.Run("valid_config_tree", func(t *testing.T) {
		configPath := createTempConfigFile(t, validConfigContent)

		var out bytes.Buffer
		err := validateLocal(configPath, true, &out)
		require.NoError(t, err)

		assert.Contains(t, out.String(), "Cliffracer Config (v1)")
		assert.Contains(t, out.String(), "calc")
		assert.Contains(t, out.String(), "audit")
		assert.Contains(t, out.String(), "HTTP Port: 8080")
	})

	t.Run("invalid_config", func(t *testing.T) {
		configPath := createTempConfigFile(t, invalidConfigContent)

		var out bytes.Buffer
		err := validateLocal(configPath, false, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation failed")
		assert.Contains(t, err.Error(), "duplicate service name")
	})

	t.Run("nonexistent_file", func(t *testing.T) {
		var out bytes.Buffer
		err := validateLocal("/path/that/does/not/exist.toml", false, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such file or directory")
	})

	t.Run("malformed_toml", func(t *testing.T) {
		configPath := createTempConfigFile(t, "not toml {{{")

		var out bytes.Buffer
		err := validateLocal(configPath, false, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse TOML config")
	})
}

func TestValidateAction(t *testing.T) {
	validConfigPath := createTempConfigFile(t, validConfigContent)
	invalidConfigPath := createTempConfigFile(t, invalidConfigContent)

	tests := []struct {
		name      string
		args      []string
		wantError bool
		errorMsg  string
	}{
		{
			name:      "with_positional_argument",
			args:      []string{"test", validConfigPath},
			wantError: false,
		},
		{
			name:      "with_config_flag",
			args:      []string{"test", "--config", validConfigPath},
			wantError: false,
		},
		{
			name:      "with_config_flag_short",
			args:      []string{"test", "-c", validConfigPath},
			wantError: false,
		},
		{
			name:      "config_flag_takes_precedence",
			args:      []string{"test", "--config", validConfigPath, invalidConfigPath},
			wantError: false,
		},
		{
			name:      "no_config_provided",
			args:      []string{"test"},
			wantError: true,
			errorMsg:  "config file path required",
		},
		{
			name:      "with_tree_flag",
			args:      []string{"test", "--config", validConfigPath, "--tree"},
			wantError: false,
		},
		{
			name:      "with_tree_flag_positional",
			args:      []string{"test", validConfigPath, "--tree"},
			wantError: false,
		},
		{
			name:      "invalid_config",
			args:      []string{"test", "--config", invalidConfigPath},
			wantError: true,
			errorMsg:  "validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cli.Command{
				Name:   "test",
				Action: validateCmd.Action,
				Flags:  validateCmd.Flags,
				Writer: &bytes.Buffer{},
			}

			err := cmd.Run(t.Context(), tt.args)

			if tt.wantError {
				assert.Error(t, err)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRenderConfigSummary(t *testing.T) {
	t.Parallel()

	svc := config.NewService("gateway")
	svc.HTTPPort = 8080
	svc.WebSocketPort = 8081
	cfg := &config.Config{Services: []config.Service{svc, config.NewService("worker")}}
	cfg.Normalize()

	summary := renderConfigSummary("/etc/cliffracer.toml", cfg)

	assert.Contains(t, summary, "Path: /etc/cliffracer.toml")
	assert.Contains(t, summary, "Version: v1")
	assert.Contains(t, summary, "Services: 2")
	assert.Contains(t, summary, "Listeners: 2")
}
