package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dkonrad/blufi-setup/internal/ble"
	"github.com/dkonrad/blufi-setup/internal/config"
	"github.com/dkonrad/blufi-setup/internal/provision"
)

const usage = `Usage: blufi-setup [-config <path>] <command> [flags]

Commands:
  scan    discover WiFi networks visible to the device
  join    send WiFi credentials to the device

Run 'blufi-setup <command> -h' for command flags.`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blufi-setup/config.yaml)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nGlobal flags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	setupLogging(cfg.LogLevel)

	// Ctrl+C cancels the in-flight protocol exchange; sessions are torn
	// down on the way out.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewHardwareAdapter()
	manager := ble.NewManager(adapter, cfg.ManagerOptions())
	defer manager.CloseAll()
	prov := provision.NewProvisioner(manager, cfg.ProvisionOptions())

	switch cmd := flag.Arg(0); cmd {
	case "scan":
		err = runScan(ctx, adapter, prov, cfg, flag.Args()[1:])
	case "join":
		err = runJoin(ctx, adapter, prov, cfg, flag.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func runScan(ctx context.Context, adapter ble.Adapter, prov *provision.Provisioner, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	device := fs.String("device", cfg.Device, "BLE address of the target device (discovered if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := resolveDevice(ctx, adapter, *device, cfg.DiscoverTimeout())
	if err != nil {
		return err
	}

	log.Printf("Scanning WiFi networks via %s...", addr)
	start := time.Now()
	nets, err := prov.Scan(ctx, addr)
	if err != nil {
		return err
	}
	log.Printf("Found %d networks in %s", len(nets), time.Since(start).Round(time.Millisecond))

	sort.Slice(nets, func(i, j int) bool { return nets[i].RSSI > nets[j].RSSI })
	for _, n := range nets {
		fmt.Printf("  %4d dBm  %s\n", n.RSSI, n.SSID)
	}
	return nil
}

func runJoin(ctx context.Context, adapter ble.Adapter, prov *provision.Provisioner, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	device := fs.String("device", cfg.Device, "BLE address of the target device (discovered if empty)")
	ssid := fs.String("ssid", "", "WiFi network name to join (required)")
	pass := fs.String("pass", "", "WiFi password (prompted if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ssid == "" {
		fs.Usage()
		return fmt.Errorf("-ssid is required")
	}

	password := *pass
	if password == "" {
		var err error
		password, err = promptPassword(*ssid)
		if err != nil {
			return err
		}
	}

	addr, err := resolveDevice(ctx, adapter, *device, cfg.DiscoverTimeout())
	if err != nil {
		return err
	}

	log.Printf("Sending credentials for %q to %s...", *ssid, addr)
	start := time.Now()
	if err := prov.Configure(ctx, addr, *ssid, password); err != nil {
		return err
	}
	log.Printf("Device joined %q in %s", *ssid, time.Since(start).Round(time.Millisecond))
	return nil
}

// resolveDevice returns the explicit address when given, otherwise scans for
// devices advertising the provisioning service and picks the strongest one.
// The scan runs under its own deadline; the hardware adapter keeps scanning
// until its context ends.
func resolveDevice(ctx context.Context, adapter ble.Adapter, address string, timeout time.Duration) (string, error) {
	if address != "" {
		return address, nil
	}

	log.Println("No device address given, scanning for provisioning service...")
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	devices, err := adapter.Scan(scanCtx, ble.ServiceUUID)
	if err != nil {
		return "", fmt.Errorf("discovering devices: %w", err)
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no devices advertising service %s", ble.ServiceUUID)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	best := devices[0]
	log.Printf("Using %s (%s, %d dBm); %d candidate(s) seen", best.Address, best.Name, best.RSSI, len(devices))
	return best.Address, nil
}

func promptPassword(ssid string) (string, error) {
	fmt.Printf("Password for %q: ", ssid)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return "", fmt.Errorf("reading password: no input")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// loadConfig loads the config from the specified path, or falls back to the
// default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
