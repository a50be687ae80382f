package device

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/scanagent/scanagent/agent/internal/config"
)

func writeIDs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ids.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadIDs(t *testing.T) {
	dev, site, err := ReadIDs(writeIDs(t, "17\n4"))
	if err != nil {
		t.Fatalf("ReadIDs() error = %v", err)
	}
	if dev != "17" || site != "4" {
		t.Errorf("ReadIDs() = %q, %q", dev, site)
	}
}

func TestReadIDs_Incomplete(t *testing.T) {
	if _, _, err := ReadIDs(writeIDs(t, "17\n\n")); !errors.Is(err, ErrIncompleteIDs) {
		t.Errorf("ReadIDs() error = %v, want ErrIncompleteIDs", err)
	}
	if _, _, err := ReadIDs(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ReadIDs() on a missing file returned nil error")
	}
}

func TestResolve(t *testing.T) {
	path := writeIDs(t, "rasp-from-file\nfilial-from-file\n")

	tests := []struct {
		name     string
		cfg      config.DeviceConfig
		wantDev  string
		wantSite string
	}{
		{"file fills both", config.DeviceConfig{IDsFile: path, Fingerprint: "AA"}, "rasp-from-file", "filial-from-file"},
		{"config wins", config.DeviceConfig{DeviceID: "cfg", IDsFile: path, Fingerprint: "AA"}, "cfg", "filial-from-file"},
		{"missing file", config.DeviceConfig{SiteID: "s", IDsFile: "/nonexistent/ids", Fingerprint: "AA"}, "", "s"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := Resolve(tc.cfg)
			if id.DeviceID != tc.wantDev || id.SiteID != tc.wantSite {
				t.Errorf("Resolve() = %+v", id)
			}
			if id.Fingerprint != "AA" {
				t.Errorf("fingerprint override ignored: %q", id.Fingerprint)
			}
		})
	}
}

func TestPickHardwareAddr(t *testing.T) {
	mac := func(s string) net.HardwareAddr {
		hw, err := net.ParseMAC(s)
		if err != nil {
			t.Fatal(err)
		}
		return hw
	}
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagLoopback | net.FlagUp},
		{Name: "wlan0", HardwareAddr: mac("dc:a6:32:00:00:01")},
		{Name: "eth0", Flags: net.FlagUp, HardwareAddr: mac("dc:a6:32:00:00:02")},
	}
	if got := pickHardwareAddr(ifaces); got != "DC:A6:32:00:00:02" {
		t.Errorf("pickHardwareAddr() = %q", got)
	}
	if got := pickHardwareAddr(ifaces[:2]); got != "DC:A6:32:00:00:01" {
		t.Errorf("pickHardwareAddr() down-only = %q", got)
	}
	if got := pickHardwareAddr(nil); got != "" {
		t.Errorf("pickHardwareAddr(nil) = %q", got)
	}
}
