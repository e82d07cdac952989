// Package sneakernet stages upload candidates onto removable media when the run is too
// large to send over the network.
//
//	Direct --(size >= threshold, device configured)--> Overflow --> Prepared --> Transferred
//	Direct --(size >= threshold, no device)----------> Fatal
package sneakernet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/syftbackup/internal/config"
	"github.com/openmined/syftbackup/internal/lock"
	"github.com/openmined/syftbackup/internal/planner"
	"github.com/openmined/syftbackup/internal/utils"
	"github.com/shirou/gopsutil/v4/disk"
)

var (
	ErrNoDevice          = errors.New("upload exceeds the sneakernet threshold but no sneakernet device is configured")
	ErrDeviceNotFound    = errors.New("sneakernet device not found")
	ErrInsufficientSpace = errors.New("not enough free space on sneakernet device")
)

type State int

const (
	Direct State = iota
	Overflow
	Prepared
	Transferred
	Fatal
)

func (s State) String() string {
	switch s {
	case Direct:
		return "direct"
	case Overflow:
		return "overflow"
	case Prepared:
		return "prepared"
	case Transferred:
		return "transferred"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result describes a completed staging
type Result struct {
	Device     string
	MountPoint string
	StageDir   string
	Copied     int
	Skipped    int
	Bytes      int64
}

type Manager struct {
	opts      config.Options
	mounter   Mounter
	resolve   func(id string) (string, error)
	freeSpace func(path string) (uint64, error)
	state     State

	// beforeRename runs between copying a file to the media and renaming it to its
	// content address; tests use it to simulate a crash at that point
	beforeRename func(tmp, final string) error
}

type Option func(*Manager)

func WithMounter(m Mounter) Option {
	return func(mgr *Manager) { mgr.mounter = m }
}

func WithResolver(fn func(id string) (string, error)) Option {
	return func(mgr *Manager) { mgr.resolve = fn }
}

func WithFreeSpace(fn func(path string) (uint64, error)) Option {
	return func(mgr *Manager) { mgr.freeSpace = fn }
}

func New(opts config.Options, options ...Option) *Manager {
	m := &Manager{
		opts:      opts,
		mounter:   SystemMounter{},
		resolve:   ResolveDevice,
		freeSpace: diskFree,
		state:     Direct,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (m *Manager) State() State {
	return m.state
}

// Decide picks the transfer path for a plan of total bytes.
func (m *Manager) Decide(total int64) (State, error) {
	if !m.opts.SneakernetEnabled() || total < m.opts.SneakernetThreshold {
		m.state = Direct
		return m.state, nil
	}
	if m.opts.SneakernetDevice == "" {
		m.state = Fatal
		return m.state, fmt.Errorf("%w (%s >= %s)", ErrNoDevice,
			humanize.IBytes(uint64(total)), humanize.IBytes(uint64(m.opts.SneakernetThreshold)))
	}
	m.state = Overflow
	return m.state, nil
}

// MountPoint is where the device is attached for the run
func (m *Manager) MountPoint() string {
	return filepath.Join(m.opts.SneakernetMountRoot, utils.FlattenPath(m.opts.SneakernetDevice))
}

// Transfer stages every candidate onto the device and detaches it. Decide must have
// returned Overflow.
func (m *Manager) Transfer(ctx context.Context, candidates []planner.Candidate) (*Result, error) {
	if m.state != Overflow {
		return nil, fmt.Errorf("sneakernet transfer in state %s", m.state)
	}

	device, err := m.resolve(m.opts.SneakernetDevice)
	if err != nil {
		m.state = Fatal
		return nil, err
	}

	mountPoint := m.MountPoint()
	mediaLock := lock.New(mountPoint + ".lock")
	if err := mediaLock.Acquire(); err != nil {
		m.state = Fatal
		return nil, fmt.Errorf("sneakernet device %s: %w", m.opts.SneakernetDevice, err)
	}

	result, err := m.stage(ctx, device, mountPoint, candidates)
	if err != nil {
		m.state = Fatal
		m.abort(mountPoint, mediaLock)
		return nil, err
	}

	if err := m.mounter.Unmount(mountPoint); err != nil {
		m.state = Fatal
		return nil, err
	}
	if err := os.Remove(mountPoint); err != nil {
		slog.Warn("failed to remove mount point", "path", mountPoint, "error", err)
	}
	if err := mediaLock.Release(); err != nil {
		return nil, err
	}

	m.state = Transferred
	slog.Info("sneakernet staging complete",
		"device", device,
		"copied", result.Copied,
		"skipped", result.Skipped,
		"size", humanize.IBytes(uint64(result.Bytes)),
	)
	return result, nil
}

func (m *Manager) stage(ctx context.Context, device, mountPoint string, candidates []planner.Candidate) (*Result, error) {
	if err := utils.EnsureDir(mountPoint); err != nil {
		return nil, fmt.Errorf("create mount point %s: %w", mountPoint, err)
	}

	mounted, err := m.mounter.Mounted(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("check mount point %s: %w", mountPoint, err)
	}
	if !mounted {
		slog.Info("mounting sneakernet device", "device", device, "target", mountPoint)
		if err := m.mounter.Mount(device, mountPoint); err != nil {
			return nil, err
		}
	}
	m.state = Prepared

	stageDir := filepath.Join(mountPoint, m.opts.Dest.StagingName(), "files")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory %s: %w", stageDir, err)
	}

	result := &Result{Device: device, MountPoint: mountPoint, StageDir: stageDir}

	var pending []planner.Candidate
	var needed int64
	for _, c := range candidates {
		if utils.FileExists(filepath.Join(stageDir, c.Hash)) {
			result.Skipped++
			continue
		}
		pending = append(pending, c)
		needed += c.Size
	}

	free, err := m.freeSpace(stageDir)
	if err != nil {
		return nil, fmt.Errorf("free space on %s: %w", stageDir, err)
	}
	if uint64(needed) > free {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace, humanize.IBytes(uint64(needed)), humanize.IBytes(free))
	}

	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := m.seal(c, stageDir)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", c.RelPath, err)
		}
		result.Copied++
		result.Bytes += n
		slog.Debug("staged", "path", c.RelPath, "hash", c.Hash, "size", humanize.IBytes(uint64(n)))
	}

	return result, nil
}

// seal copies the candidate under a temporary name, renames it to its content address
// and makes it read-only. Content that no longer hashes to c.Hash is never renamed.
func (m *Manager) seal(c planner.Candidate, dir string) (int64, error) {
	final := filepath.Join(dir, c.Hash)
	tmp := filepath.Join(dir, ".tmp-"+c.Hash+"-"+uuid.NewString())

	n, sum, err := utils.CopyFileSync(c.Path, tmp, 0o644)
	if err != nil {
		os.Remove(tmp)
		return n, err
	}
	if sum != c.Hash {
		os.Remove(tmp)
		return n, fmt.Errorf("%w: expected %s, read %s", utils.ErrHashMismatch, c.Hash, sum)
	}

	if m.beforeRename != nil {
		if err := m.beforeRename(tmp, final); err != nil {
			return n, err
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return n, err
	}
	return n, os.Chmod(final, 0o444)
}

// abort tries to leave the device detached after a failed staging
func (m *Manager) abort(mountPoint string, mediaLock *lock.FileLock) {
	if mounted, err := m.mounter.Mounted(mountPoint); err == nil && mounted {
		if err := m.mounter.Unmount(mountPoint); err != nil {
			slog.Error("failed to unmount after error", "target", mountPoint, "error", err)
			return
		}
	}
	if err := mediaLock.Release(); err != nil {
		slog.Error("failed to release sneakernet lock", "path", mediaLock.Path(), "error", err)
	}
}
