package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the relay as a user service (systemd/launchd)",
	}

	var envFile string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install warelay serve as a user service",
		Long: "Generates a systemd user unit (Linux) or a launchd agent (macOS) that runs\n" +
			"`warelay serve`. Secrets are read from --env-file (KEY=VALUE lines).",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, resolveConfigPath())
			case "linux":
				return installSystemd(execPath, resolveConfigPath(), envFile)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
	install.Flags().StringVar(&envFile, "env-file", "", "environment file with META_ACCESS_TOKEN, VERIFY_TOKEN, ... (systemd only)")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the warelay user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}

	cmd.AddCommand(install, uninstall)
	return cmd
}

const (
	launchdLabel = "com.warelay.relay"
	systemdUnit  = "warelay.service"
)

// serveArgs is the command line the service runs.
func serveArgs(execPath, cfgPath string) []string {
	args := []string{execPath, "serve"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	return args
}

func renderSystemdUnit(execPath, cfgPath, envFile string) string {
	var env string
	if envFile != "" {
		env = "EnvironmentFile=" + envFile + "\n"
	}
	unit := strings.ReplaceAll(systemdTemplate, "{{EXEC}}", strings.Join(serveArgs(execPath, cfgPath), " "))
	return strings.ReplaceAll(unit, "{{ENV}}", env)
}

func renderLaunchdPlist(execPath, cfgPath, logPath string) string {
	var args strings.Builder
	for _, a := range serveArgs(execPath, cfgPath) {
		fmt.Fprintf(&args, "        <string>%s</string>\n", a)
	}
	plist := strings.ReplaceAll(launchdTemplate, "{{LABEL}}", launchdLabel)
	plist = strings.ReplaceAll(plist, "{{ARGS}}", args.String())
	return strings.ReplaceAll(plist, "{{LOG}}", logPath)
}

func installLaunchd(execPath, cfgPath string) error {
	home, _ := os.UserHomeDir()
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	plistPath := filepath.Join(plistDir, launchdLabel+".plist")
	logPath := filepath.Join(home, ".warelay", "logs", "warelay.log")

	os.MkdirAll(filepath.Dir(logPath), 0o755)
	if err := os.MkdirAll(plistDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(renderLaunchdPlist(execPath, cfgPath, logPath)), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Service uninstalled: %s\n", plistPath)
	return nil
}

func installSystemd(execPath, cfgPath, envFile string) error {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	unitPath := filepath.Join(unitDir, systemdUnit)

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(renderSystemdUnit(execPath, cfgPath, envFile)), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start warelay\n")
	fmt.Printf("To enable: systemctl --user enable warelay\n")
	return nil
}

func uninstallSystemd() error {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", systemdUnit)
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Service uninstalled: %s\n", unitPath)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
{{ARGS}}    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{LOG}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=warelay WhatsApp webhook relay
After=network-online.target

[Service]
Type=simple
{{ENV}}ExecStart={{EXEC}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
