package updater

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// restartCommands returns the stop and start commands for the platform's
// service manager
func restartCommands(goos, serviceName string) ([][]string, error) {
	switch goos {
	case "windows":
		return [][]string{{"sc", "stop", serviceName}, {"sc", "start", serviceName}}, nil
	case "linux":
		return [][]string{{"systemctl", "restart", serviceName}}, nil
	case "darwin":
		return [][]string{{"launchctl", "kickstart", "-k", "system/" + serviceName}}, nil
	}
	return nil, fmt.Errorf("service restart not supported on %s", goos)
}

// RestartService restarts the installed service shortly after returning
func RestartService(serviceName string, log *zap.SugaredLogger) error {
	cmds, err := restartCommands(runtime.GOOS, serviceName)
	if err != nil {
		return err
	}

	log.Info("Scheduling service restart...")
	go func() {
		time.Sleep(2 * time.Second)
		for i, args := range cmds {
			if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
				log.Warnf("%s failed: %v, output: %s", args[0], err, out)
			}
			if i < len(cmds)-1 {
				time.Sleep(3 * time.Second)
			}
		}
	}()
	return nil
}

// RestartSelf starts a new copy of the process with the same arguments and
// exits
func RestartSelf(log *zap.SugaredLogger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	log.Info("Restarting application...")

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to restart: %w", err)
	}

	log.Sync()
	os.Exit(0)
	return nil
}
