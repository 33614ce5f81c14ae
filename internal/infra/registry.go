package infra

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

const registryDir = "/var/tmp"

// FileSessionRegistry implements domain.SessionRegistry using a JSON file.
// It records the active capture's process group so that a coordinator restarted
// after a crash signals the group it left behind before sweeping by name.
type FileSessionRegistry struct {
	path string
}

// NewFileSessionRegistry creates a registry keyed by host and coordination port,
// so two coordinators on one host do not share state.
func NewFileSessionRegistry(coordPort int) *FileSessionRegistry {
	hostname, _ := os.Hostname()
	hash := md5.Sum([]byte(fmt.Sprintf("ccbench-capture-%s-%d", hostname, coordPort)))
	filename := ".ccbench_capture_" + hex.EncodeToString(hash[:])[:8] + ".json"

	return &FileSessionRegistry{path: filepath.Join(registryDir, filename)}
}

// NewFileSessionRegistryWithPath creates a registry at a specific path (for testing).
func NewFileSessionRegistryWithPath(path string) *FileSessionRegistry {
	return &FileSessionRegistry{path: path}
}

// GetRegistryPath returns the registry file path.
func (r *FileSessionRegistry) GetRegistryPath() string {
	return r.path
}

// Save records session as the active capture.
func (r *FileSessionRegistry) Save(session domain.CaptureSession) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	return r.atomicWrite(&session)
}

// Load returns the recorded session, or nil if none is recorded.
func (r *FileSessionRegistry) Load() (*domain.CaptureSession, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var session domain.CaptureSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("corrupt capture registry %s: %w", r.path, err)
	}
	return &session, nil
}

// Clear removes the registry file. Missing files are not an error.
func (r *FileSessionRegistry) Clear() error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// lock takes an exclusive flock on a sidecar file.
func (r *FileSessionRegistry) lock() (func(), error) {
	lockPath := r.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}, nil
}

// atomicWrite writes the session to file atomically (write + rename).
func (r *FileSessionRegistry) atomicWrite(session *domain.CaptureSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

// Ensure FileSessionRegistry implements domain.SessionRegistry.
var _ domain.SessionRegistry = (*FileSessionRegistry)(nil)
