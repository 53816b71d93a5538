package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DeviceIDFile is the name of the identity file written into a volume
// root on first use. Its contents are the UTF-8 Soradyne device ID.
const DeviceIDFile = "soradyne_device_id.txt"

// DefaultSubprobeTimeout bounds each platform subprobe. A subprobe that
// exceeds it is treated as unavailable evidence, not as a failure.
const DefaultSubprobeTimeout = 2 * time.Second

// Subprobe extracts one platform-specific evidence for the volume
// mounted at root. Implementations live outside the core; the probe
// treats a timeout or error as "evidence unavailable".
type Subprobe interface {
	// Name identifies the evidence this subprobe gathers, e.g.
	// "hardware_id" or "filesystem_uuid".
	Name() string

	// Read returns the evidence value for the volume at root, or an
	// error when the platform cannot produce it.
	Read(ctx context.Context, root string) (string, error)
}

// SubprobeFunc adapts a function to the Subprobe interface.
type SubprobeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context, root string) (string, error)
}

// Name implements Subprobe.
func (s SubprobeFunc) Name() string { return s.ProbeName }

// Read implements Subprobe.
func (s SubprobeFunc) Read(ctx context.Context, root string) (string, error) {
	return s.Fn(ctx, root)
}

// Prober gathers a full fingerprint reading for one volume. It owns the
// Soradyne ID file handling itself and delegates everything
// platform-specific to subprobes.
//
// A Prober is single-threaded per volume: callers must not probe the
// same root concurrently. Distinct roots may be probed in parallel.
type Prober struct {
	hardware   Subprobe
	filesystem Subprobe
	badBlocks  func(ctx context.Context, root string) ([]uint64, error)
	capacity   func(root string) (uint64, error)
	timeout    time.Duration
	log        *zap.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithHardwareProbe installs the hardware-serial subprobe.
func WithHardwareProbe(p Subprobe) ProberOption {
	return func(pr *Prober) { pr.hardware = p }
}

// WithFilesystemProbe installs the filesystem-UUID subprobe.
func WithFilesystemProbe(p Subprobe) ProberOption {
	return func(pr *Prober) { pr.filesystem = p }
}

// WithBadBlockProbe installs the bad-block enumeration probe.
func WithBadBlockProbe(fn func(ctx context.Context, root string) ([]uint64, error)) ProberOption {
	return func(pr *Prober) { pr.badBlocks = fn }
}

// WithCapacityProbe overrides how volume capacity is measured.
func WithCapacityProbe(fn func(root string) (uint64, error)) ProberOption {
	return func(pr *Prober) { pr.capacity = fn }
}

// WithSubprobeTimeout overrides DefaultSubprobeTimeout.
func WithSubprobeTimeout(d time.Duration) ProberOption {
	return func(pr *Prober) { pr.timeout = d }
}

// WithLogger installs a logger; the default discards.
func WithLogger(log *zap.Logger) ProberOption {
	return func(pr *Prober) { pr.log = log }
}

// NewProber builds a prober. With no options only the Soradyne ID file
// is read; every other evidence reports unavailable.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		timeout: DefaultSubprobeTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe takes a fingerprint reading of the volume mounted at root.
//
// Missing evidence never fails the probe; only an unreadable volume
// root does. The Soradyne ID is read from DeviceIDFile when present and
// left empty when the volume has not been initialized yet.
func (p *Prober) Probe(ctx context.Context, root string) (Fingerprint, error) {
	if _, err := os.Stat(root); err != nil {
		return Fingerprint{}, errors.Wrapf(err, "volume root %s not accessible", root)
	}

	soradyneID, err := ReadDeviceID(root)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Fingerprint{}, err
	}

	hardwareID := p.runSubprobe(ctx, p.hardware, root)
	fsUUID := p.runSubprobe(ctx, p.filesystem, root)

	var badBlocks []uint64
	if p.badBlocks != nil {
		subCtx, cancel := context.WithTimeout(ctx, p.timeout)
		badBlocks, err = p.badBlocks(subCtx, root)
		cancel()
		if err != nil {
			p.log.Debug("bad-block probe unavailable",
				zap.String("root", root), zap.Error(err))
			badBlocks = nil
		}
	}

	var capacity uint64
	if p.capacity != nil {
		capacity, err = p.capacity(root)
		if err != nil {
			p.log.Debug("capacity probe unavailable",
				zap.String("root", root), zap.Error(err))
			capacity = 0
		}
	}

	return New(soradyneID, hardwareID, fsUUID, badBlocks, capacity), nil
}

// runSubprobe executes one subprobe under the configured timeout,
// mapping any failure to unavailable evidence.
func (p *Prober) runSubprobe(ctx context.Context, probe Subprobe, root string) string {
	if probe == nil {
		return ""
	}
	subCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	value, err := probe.Read(subCtx, root)
	if err != nil {
		p.log.Debug("subprobe unavailable",
			zap.String("probe", probe.Name()),
			zap.String("root", root),
			zap.Error(err))
		return ""
	}
	return value
}

// ReadDeviceID reads the Soradyne ID stamped into a volume root.
func ReadDeviceID(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, DeviceIDFile))
	if err != nil {
		return "", errors.Wrap(err, "read device id")
	}
	return strings.TrimSpace(string(data)), nil
}

// StampDeviceID writes the Soradyne ID into a volume root on first use.
// Stamping an already-stamped volume with a different ID is refused:
// the stored ID is pinned for the lifetime of the device.
func StampDeviceID(root, id string) error {
	existing, err := ReadDeviceID(root)
	switch {
	case err == nil && existing == id:
		return nil
	case err == nil:
		return errors.Errorf("volume %s already stamped with %s", root, existing)
	case !os.IsNotExist(errors.Cause(err)):
		return err
	}
	return errors.Wrap(
		os.WriteFile(filepath.Join(root, DeviceIDFile), []byte(id+"\n"), 0o644),
		"stamp device id")
}
