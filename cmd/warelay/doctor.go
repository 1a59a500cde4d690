package main

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"warelay/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay configuration",
		Long: `Verifies that warelay's configuration, credentials and downstream
endpoints are set up. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &doctorReport{out: cmd.OutOrStdout()}
			fmt.Fprintf(r.out, "warelay doctor v%s\n\n", version)

			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				r.warn("Config file", "none found, using built-in defaults + environment")
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			runDoctorChecks(r, cfg)
			return r.summary()
		},
	}
}

// runDoctorChecks inspects a loaded config. Network checks only dial.
func runDoctorChecks(r *doctorReport, cfg *config.Config) {
	wa := cfg.WhatsApp
	switch {
	case wa.VerifyToken == config.InsecureVerifyToken:
		r.warn("Verify token", "built-in default in use; set VERIFY_TOKEN")
	case wa.VerifyToken == "":
		r.fail("Verify token", "empty; webhook verification can never succeed")
	default:
		r.pass("Verify token", "custom")
	}

	if wa.AccessToken == "" {
		r.fail("Access token", "not set (META_ACCESS_TOKEN)")
	} else {
		r.pass("Access token", "set")
	}

	if u := wa.MessagesURL(); u == "" {
		r.fail("Send API", "neither WHATSAPP_API_URL nor PHONE_NUMBER_ID is set")
	} else {
		r.pass("Send API", u)
	}

	if cfg.Agent.URL == "" {
		r.fail("Agent", "AGENT_URL not set")
	} else if err := dialURL(cfg.Agent.URL); err != nil {
		r.warn("Agent", fmt.Sprintf("%s unreachable: %v", cfg.Agent.URL, err))
	} else {
		r.pass("Agent", cfg.Agent.URL+" reachable")
	}

	if cfg.Transcription.APIKey == "" {
		r.warn("Transcription", "GROQ_API_KEY not set; voice notes will not be understood")
	} else {
		r.pass("Transcription", cfg.Transcription.Model)
	}

	if cfg.Process.Backend == "groq" && cfg.Process.APIKey == "" {
		r.warn("Process backend", "groq selected but GROQ_API_KEY not set")
	} else {
		r.pass("Process backend", cfg.Process.Backend)
	}

	if cfg.Events.Enabled {
		if err := dialURL(cfg.Events.AMQPURL); err != nil {
			r.warn("Event broker", fmt.Sprintf("unreachable: %v", err))
		} else {
			r.pass("Event broker", "reachable")
		}
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if err := checkPort(addr); err != nil {
		r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", addr, err))
	} else {
		r.pass("Listen address", addr+" available")
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

type doctorReport struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  [PASS] %-18s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  [WARN] %-18s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  [FAIL] %-18s %s\n", check, detail)
}

func (r *doctorReport) summary() error {
	fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"amqp":  "5672",
	"amqps": "5671",
}

// dialURL opens and closes a TCP connection to the URL's host.
func dialURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port, ok := defaultPorts[u.Scheme]
		if !ok {
			return fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
