package service

import (
	"fmt"
	"path/filepath"

	svc "github.com/kardianos/service"
	"go.uber.org/zap"
)

// Manager handles service management operations
type Manager struct {
	service svc.Service
}

// NewManager registers prg under the service name. The installed service
// runs "service run" with the given config file.
func NewManager(prg *Program, configPath string) (*Manager, error) {
	s, err := svc.New(prg, NewServiceConfig(buildServiceArgs(configPath)))
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return &Manager{service: s}, nil
}

func buildServiceArgs(configPath string) []string {
	args := []string{"service", "run"}
	if configPath == "" {
		return args
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}
	return append(args, "--config", configPath)
}

func (m *Manager) Install() error   { return m.service.Install() }
func (m *Manager) Uninstall() error { return m.service.Uninstall() }
func (m *Manager) Start() error     { return m.service.Start() }
func (m *Manager) Stop() error      { return m.service.Stop() }

// Run runs the service (called by the service manager)
func (m *Manager) Run() error { return m.service.Run() }

func (m *Manager) Status() (svc.Status, error) { return m.service.Status() }

// Commands lists what RunServiceCommand accepts
var Commands = []string{"install", "uninstall", "start", "stop", "restart", "status", "run"}

// RunServiceCommand handles service management commands
func RunServiceCommand(cmd string, prg *Program, configPath string, log *zap.SugaredLogger) error {
	mgr, err := NewManager(prg, configPath)
	if err != nil {
		return err
	}

	switch cmd {
	case "install":
		if err := mgr.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		log.Infof("Service installed successfully: %s", ServiceName)
		log.Info("To start the service, run: invoice-scraper service start")

	case "uninstall":
		_ = mgr.Stop()
		if err := mgr.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		log.Info("Service uninstalled successfully")

	case "start":
		if err := mgr.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		log.Info("Service started successfully")

	case "stop":
		if err := mgr.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		log.Info("Service stopped successfully")

	case "restart":
		_ = mgr.Stop()
		if err := mgr.Start(); err != nil {
			return fmt.Errorf("failed to restart service: %w", err)
		}
		log.Info("Service restarted successfully")

	case "status":
		status, err := mgr.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}
		log.Infof("Service status: %s", StatusString(status))

	case "run":
		return mgr.Run()

	default:
		return fmt.Errorf("unknown service command: %s (valid: install, uninstall, start, stop, restart, status, run)", cmd)
	}
	return nil
}

func StatusString(status svc.Status) string {
	switch status {
	case svc.StatusRunning:
		return "Running"
	case svc.StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
