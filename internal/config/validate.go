package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

// Validate checks the whole config: version compatibility, per-service
// rules, and name uniqueness across services. All failures are collected
// and returned joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Version != VersionLatest {
		errs = append(errs, fmt.Errorf("%w: unsupported config version %q", errz.ErrConfiguration, c.Version))
	}

	seen := make(map[string]bool)
	for i := range c.Services {
		svc := &c.Services[i]
		if err := svc.Validate(); err != nil {
			errs = append(errs, err)
		}
		if svc.Name != "" {
			if seen[svc.Name] {
				errs = append(errs, fmt.Errorf("%w: duplicate service name %q", errz.ErrConfiguration, svc.Name))
			}
			seen[svc.Name] = true
		}
	}

	return errors.Join(errs...)
}

// Validate checks one service's configuration.
func (s *Service) Validate() error {
	var errs []error

	if s.Name == "" {
		errs = append(errs, fmt.Errorf("%w: service name is required", errz.ErrConfiguration))
	} else if !validServiceName(s.Name) {
		errs = append(errs, fmt.Errorf(
			"%w: service name %q must be a single subject token (no dots, wildcards or spaces)",
			errz.ErrConfiguration, s.Name))
	}
	if s.BrokerURL == "" {
		errs = append(errs, fmt.Errorf("%w: broker URL is required", errz.ErrConfiguration))
	}
	if s.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: request timeout must be positive, got %s",
			errz.ErrConfiguration, s.RequestTimeout))
	}

	ports := map[string]int{
		"http_port":      s.HTTPPort,
		"websocket_port": s.WebSocketPort,
		"backdoor_port":  s.BackdoorPort,
	}
	used := make(map[int]string)
	for field, port := range ports {
		if port == 0 {
			continue
		}
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%w: %s %d out of range", errz.ErrConfiguration, field, port))
			continue
		}
		if other, ok := used[port]; ok {
			errs = append(errs, fmt.Errorf("%w: %s and %s both bind port %d",
				errz.ErrConfiguration, other, field, port))
		}
		used[port] = field
	}

	return errors.Join(errs...)
}

// validServiceName reports whether the name can serve as the leading token
// of the service's subjects.
func validServiceName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, ".*> \t\n")
}
