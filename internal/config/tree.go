package config

import (
	"fmt"

	"github.com/sndwch/cliffracer-sub001/internal/fancy"
)

// String returns a pretty-printed tree representation of the config
func (c *Config) String() string {
	return ConfigTree(c)
}

// ConfigTree converts a Config struct into a rendered tree string
func ConfigTree(cfg *Config) string {
	t := fancy.Tree()
	t.Root(fancy.RootStyle.Render(fmt.Sprintf("Cliffracer Config (%s)", cfg.Version)))

	logging := fancy.BranchNode("Logging", "")
	logging.Child(fmt.Sprintf("Level: %s", cfg.LogLevel))
	logging.Child(fmt.Sprintf("Format: %s", cfg.LogFormat))
	t.Child(logging)

	orch := fancy.BranchNode("Orchestrator", "")
	orch.Child(fmt.Sprintf("Shared Connections: %t", cfg.Orchestrator.SharedConnections))
	orch.Child(fmt.Sprintf("Drain Timeout: %s", cfg.Orchestrator.DrainTimeout))
	t.Child(orch)

	services := fancy.BranchNode("Services", fmt.Sprintf("(%d)", len(cfg.Services)))
	for i := range cfg.Services {
		services.Child(cfg.Services[i].ToTree().Tree())
	}
	t.Child(services)

	return t.String()
}

// ToTree returns a tree representation of a single service config
func (s *Service) ToTree() *fancy.ComponentTree {
	t := fancy.ServiceTree(s.Name)
	t.AddChild(fmt.Sprintf("Broker: %s", s.BrokerURL))
	t.AddChild(fmt.Sprintf("Request Timeout: %s", s.RequestTimeout))
	t.AddChild(
		fmt.Sprintf("Reconnect: %d attempts, %s wait", s.MaxReconnectAttempts, s.ReconnectWait),
	)

	if s.AutoRestart {
		t.AddChild(
			fmt.Sprintf("Restart: up to %d attempts, %s delay", s.MaxRestartAttempts, s.RestartDelay),
		)
	} else {
		t.AddChild("Restart: disabled")
	}

	if s.HTTPPort != 0 {
		t.AddChild(fmt.Sprintf("HTTP Port: %d", s.HTTPPort))
	}
	if s.WebSocketPort != 0 {
		t.AddChild(fmt.Sprintf("WebSocket Port: %d", s.WebSocketPort))
	}
	if s.BackdoorPort != 0 {
		t.AddChild(fmt.Sprintf("Backdoor Port: %d", s.BackdoorPort))
	}
	if s.JetStreamEnabled {
		t.AddChild("JetStream: enabled")
	}

	return t
}
