// Package setup implements the interactive first-run wizard: it probes
// for a local redis, asks the handful of questions a fresh install needs,
// and writes a commented config file.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/inkwell-app/inksync/internal/config"
)

const (
	defaultConfigPath   = "/etc/inksync/config.yaml"
	defaultRedisAddress = "localhost:6379"
	defaultListenPort   = "8443"
	defaultHealthPort   = "8444"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string                  // Override default config path
	CheckRedis func(io.Writer, string) // Override redis check (for testing)
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo inksync setup\n\n")
	}

	fmt.Fprintln(out, "inksync Setup")
	fmt.Fprintln(out, "=============")
	fmt.Fprintln(out)

	// Step 1: Redis address
	redisAddress := prompt(scanner, out,
		fmt.Sprintf("Redis address [%s]: ", defaultRedisAddress),
		defaultRedisAddress)
	if _, _, err := net.SplitHostPort(redisAddress); err != nil {
		fmt.Fprintf(out, "  WARNING: %q may not be a valid host:port address\n\n", redisAddress)
	}

	// Check redis reachability (warning only)
	redisCheck := checkRedis
	if opts.CheckRedis != nil {
		redisCheck = opts.CheckRedis
	}
	redisCheck(out, redisAddress)

	// Step 2: Listen port
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("WebSocket listen port [%s]: ", defaultListenPort),
		defaultListenPort)
	listenAddress := net.JoinHostPort("0.0.0.0", listenPort)

	if reason := checkPortAvailable("0.0.0.0", listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s %s\n\n", listenPort, reason)
	}

	// Step 3: Health port
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort),
		defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)

	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 4: Authentication
	jwtSecret := prompt(scanner, out,
		"JWT secret for session tokens (leave empty to run guest-only): ", "")
	allowGuests := "true"
	if jwtSecret != "" {
		guests := prompt(scanner, out, "Allow guest access without a token? [Y/n]: ", "y")
		if !strings.HasPrefix(strings.ToLower(guests), "y") {
			allowGuests = "false"
		}
	}

	// Step 5: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 6: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(listenAddress, redisAddress, healthAddress, jwtSecret, allowGuests)

	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 7: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 8: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start inksync service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start inksync")
			}
		}
	}

	// Step 9: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:   %s\n", configPath)
	fmt.Fprintf(out, "  Server:   ws://%s\n", listenAddress)
	fmt.Fprintf(out, "  Health:   http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u inksync -f")
	fmt.Fprintln(out, "  Validate:       inksync validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkRedis performs a quick TCP dial against the redis address.
func checkRedis(out io.Writer, address string) {
	conn, err := net.DialTimeout("tcp", address, 3*time.Second)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: Redis at %s is not reachable: %v\n", address, err)
		fmt.Fprintln(out, "  (The server starts degraded without redis: no persistence, no cross-instance sync)")
		fmt.Fprintln(out)
		return
	}
	conn.Close()
	fmt.Fprintf(out, "  Redis at %s is reachable.\n\n", address)
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the inksync service.
func startSystemdService(out io.Writer) error {
	// Reload in case service file changed
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", "inksync").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "inksync").Run(); err != nil {
			return err
		}
	}

	// Brief wait then check status
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "inksync").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string.
func generateConfig(listenAddress, redisAddress, healthAddress, jwtSecret, allowGuests string) string {
	secretLine := `  jwt_secret: ""`
	if jwtSecret != "" {
		secretLine = fmt.Sprintf(`  jwt_secret: "%s"`, yamlEscapeString(jwtSecret))
	}

	return fmt.Sprintf(`# inksync Configuration
# Generated by: inksync setup

server:
  # REQUIRED: WebSocket listen address
  listen_address: "%s"

  # Shutdown: wait for active connections to finish
  drain_timeout: "30s"

  # WebSocket settings
  max_message_size: 1048576  # 1MB, image elements carry data URLs
  ping_interval: "30s"
  write_timeout: "10s"

redis:
  # REQUIRED: shared cache and cross-instance pub/sub
  address: "%s"
  password: ""
  db: 0
  state_ttl: "1h"

sync:
  # Point-stream coalescing window; larger = fewer broadcasts, laggier strokes
  debounce_interval: "50ms"

  # Periodic full-state broadcast per active room (0 disables)
  resync_interval: "7s"

  # Background reclamation
  stale_conn_age: "5m"
  empty_room_grace: "10m"
  janitor_interval: "1m"

security:
  # Session JWT secret (cookie "token"); empty disables token auth
%s

  # Allow connections without a token
  allow_guests: %s

  # Rate limiting
  rate_limit:
    enabled: true
    connections_per_minute: 60
    messages_per_second: 200

  # Connection limits
  max_connections: 5000
  max_connections_per_ip: 20

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"
  detailed: true

monitoring:
  metrics_enabled: true
  metrics_endpoint: "/metrics"
`, yamlEscapeString(listenAddress), yamlEscapeString(redisAddress), secretLine, allowGuests, yamlEscapeString(healthAddress))
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Set ownership to inksync:inksync if running as root
	if setOwnership {
		u, err := user.Lookup("inksync")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user inksync: %v\n", err)
		} else {
			g, err := user.LookupGroup("inksync")
			if err != nil {
				fmt.Fprintf(out, "  WARNING: Could not look up group inksync: %v\n", err)
			} else {
				uid, err := strconv.Atoi(u.Uid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user inksync: %v\n", u.Uid, err)
					return nil
				}
				gid, err := strconv.Atoi(g.Gid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group inksync: %v\n", g.Gid, err)
					return nil
				}
				if err := os.Chown(path, uid, gid); err != nil {
					fmt.Fprintf(out, "  WARNING: Could not set ownership to inksync:inksync: %v\n", err)
				}
			}
		}
	}

	return nil
}
