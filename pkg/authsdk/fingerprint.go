package authsdk

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/aussiebroadwan/shelfauth/pkg/cryptox"
)

// Fingerprinter produces a stable identifier for the current device. The
// provider binds refresh tokens to it.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// DefaultMachineIDPaths are read in order for a host identifier.
var DefaultMachineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// HostFingerprinter derives the fingerprint from the machine id, hostname
// and platform. The result is computed once and cached.
type HostFingerprinter struct {
	MachineIDPaths []string
	Hostname       func() (string, error)

	once  sync.Once
	value string
	err   error
}

// NewHostFingerprinter uses DefaultMachineIDPaths and os.Hostname.
func NewHostFingerprinter() *HostFingerprinter {
	return &HostFingerprinter{
		MachineIDPaths: DefaultMachineIDPaths,
		Hostname:       os.Hostname,
	}
}

func (h *HostFingerprinter) Fingerprint(ctx context.Context) (string, error) {
	h.once.Do(func() {
		h.value, h.err = h.compute()
	})
	return h.value, h.err
}

func (h *HostFingerprinter) compute() (string, error) {
	var machineID string
	for _, p := range h.MachineIDPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			machineID = id
			break
		}
	}

	var hostname string
	if h.Hostname != nil {
		if name, err := h.Hostname(); err == nil {
			hostname = strings.TrimSpace(name)
		}
	}

	if machineID == "" && hostname == "" {
		return "", fmt.Errorf("%w: no machine id or hostname", ErrFingerprintUnavailable)
	}

	return cryptox.HashHex(32, "shelfauth", machineID, hostname, runtime.GOOS, runtime.GOARCH), nil
}

// StaticFingerprinter returns a fixed fingerprint, e.g. from configuration.
type StaticFingerprinter string

func (s StaticFingerprinter) Fingerprint(context.Context) (string, error) {
	if s == "" {
		return "", ErrFingerprintUnavailable
	}
	return string(s), nil
}
