// Package svc installs, controls and runs patrakosh as a system service
// (systemd, launchd or the Windows service manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the service until ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	Run RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called by the service manager. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("svc: no run function configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- p.Run(ctx) }()
	return nil
}

// Stop cancels the run function and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string // patrakosh config file passed to the service
	UserName    string // account to run as (Linux/macOS only)
}

// DefaultConfig returns the configuration used when no flags override it.
func DefaultConfig() Config {
	return Config{
		Name:        "patrakosh",
		DisplayName: "patrakosh storage service",
		Description: "Multi-user file storage with quota accounting and versioning",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the platform's system-wide config file path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "patrakosh", "patrakosh.yaml")
	}
	return "/etc/patrakosh/patrakosh.yaml"
}

// serviceConfig builds the service manager definition for goos. The service
// manager starts the binary as "patrakosh service run --config <path>".
func (c Config) serviceConfig(goos string) *service.Config {
	sc := &service.Config{
		Name:        c.Name,
		DisplayName: c.DisplayName,
		Description: c.Description,
		Arguments:   []string{"service", "run", "--config", c.ConfigPath},
	}

	switch goos {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		sc.UserName = c.UserName
	case "darwin":
		sc.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		sc.UserName = c.UserName
	case "windows":
		sc.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return sc
}

func newService(prg *Program, cfg Config) (service.Service, error) {
	s, err := service.New(prg, cfg.serviceConfig(runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg Config, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q is already installed (%s); use --force to reinstall", cfg.Name, StatusString(status))
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("Failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(cfg Config) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the service manager.
func Control(cfg Config, action string) error {
	switch action {
	case "start", "stop", "restart":
	default:
		return fmt.Errorf("unsupported service action %q", action)
	}
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg Config) (service.Status, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager; run is called from Start and
// cancelled from Stop.
func Run(cfg Config, run RunFunc) error {
	s, err := newService(&Program{Run: run}, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the current user may manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}
