package device

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/scanagent/scanagent/agent/internal/config"
	"github.com/scanagent/scanagent/agent/internal/record"
)

// ErrIncompleteIDs is returned when the ids file has fewer than two lines.
var ErrIncompleteIDs = errors.New("device: ids file must hold a device id and a site id")

// Resolve builds the record identity from cfg. Explicit config values win
// over the ids file. A missing or unreadable ids file is logged, not fatal:
// capture keeps working with whatever identity is known.
func Resolve(cfg config.DeviceConfig) record.Identity {
	id := record.Identity{DeviceID: cfg.DeviceID, SiteID: cfg.SiteID, Fingerprint: cfg.Fingerprint}

	if cfg.IDsFile != "" && (id.DeviceID == "" || id.SiteID == "") {
		dev, site, err := ReadIDs(cfg.IDsFile)
		if err != nil {
			slog.Warn("device: ids file unavailable", "path", cfg.IDsFile, "err", err)
		} else {
			if id.DeviceID == "" {
				id.DeviceID = dev
			}
			if id.SiteID == "" {
				id.SiteID = site
			}
		}
	}

	if id.Fingerprint == "" {
		id.Fingerprint = Fingerprint()
	}
	if id.DeviceID == "" || id.SiteID == "" {
		slog.Warn("device: identity incomplete, records will carry empty ids",
			"device_id", id.DeviceID, "site_id", id.SiteID)
	}
	return id
}

// ReadIDs reads the registration file: device id on the first line, site id
// on the second.
func ReadIDs(path string) (deviceID, siteID string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("device: open ids file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(lines) < 2 {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", fmt.Errorf("device: read ids file: %w", err)
	}
	if len(lines) < 2 {
		return "", "", ErrIncompleteIDs
	}
	return lines[0], lines[1], nil
}

// Fingerprint returns the hardware address of the first non-loopback
// interface that has one, formatted as upper-case colon-separated hex.
// It returns "" when none is found.
func Fingerprint() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	return pickHardwareAddr(ifaces)
}

func pickHardwareAddr(ifaces []net.Interface) string {
	var fallback string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		addr := strings.ToUpper(ifc.HardwareAddr.String())
		if ifc.Flags&net.FlagUp != 0 {
			return addr
		}
		if fallback == "" {
			fallback = addr
		}
	}
	return fallback
}
