package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// ArtifactStampLayout is the timestamp format used in artifact file names.
const ArtifactStampLayout = "01-02-15-04-05"

// ArtifactDir implements domain.ArtifactLayout under a single output directory.
type ArtifactDir struct {
	root    string
	homeDir string
}

// NewArtifactDir creates a layout rooted at dir. A leading ~ is expanded.
func NewArtifactDir(dir string) *ArtifactDir {
	home, _ := os.UserHomeDir()
	return NewArtifactDirWithHome(dir, home)
}

// NewArtifactDirWithHome creates a layout with a custom home (for testing).
func NewArtifactDirWithHome(dir, home string) *ArtifactDir {
	a := &ArtifactDir{homeDir: home}
	a.root = a.ExpandHome(dir)
	if a.root == "" {
		a.root = "."
	}
	return a
}

// Root returns the resolved output directory.
func (a *ArtifactDir) Root() string {
	return a.root
}

// Ensure creates the output directory if needed.
func (a *ArtifactDir) Ensure() error {
	if err := os.MkdirAll(a.root, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", a.root, err)
	}
	return nil
}

// CapturePath returns <alg>_<size>_<n>_<stamp>.pcap. The trial number keeps
// same-second trials with equal parameters apart.
func (a *ArtifactDir) CapturePath(trial domain.TrialSpec, n int, at time.Time) string {
	return a.join(fmt.Sprintf("%s_%d_%d_%s.pcap", safe(trial.Algorithm), trial.Size, n, stamp(at)))
}

// KernelLogPath returns <alg>_<size>_<n>_<stamp>_dmesg.txt.
func (a *ArtifactDir) KernelLogPath(trial domain.TrialSpec, n int, at time.Time) string {
	return a.join(fmt.Sprintf("%s_%d_%d_%s_dmesg.txt", safe(trial.Algorithm), trial.Size, n, stamp(at)))
}

// ServerPerfLogPath returns <alg>_<size>_<n>_<stamp>_server.log.
func (a *ArtifactDir) ServerPerfLogPath(trial domain.TrialSpec, n int, at time.Time) string {
	return a.join(fmt.Sprintf("%s_%d_%d_%s_server.log", safe(trial.Algorithm), trial.Size, n, stamp(at)))
}

// ClientPerfLogPath returns <alg>_<size>_<n>_<stamp>_client.log.
func (a *ArtifactDir) ClientPerfLogPath(trial domain.TrialSpec, n int, at time.Time) string {
	return a.join(fmt.Sprintf("%s_%d_%d_%s_client.log", safe(trial.Algorithm), trial.Size, n, stamp(at)))
}

// ExpandHome expands ~ to the user's home directory.
func (a *ArtifactDir) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(a.homeDir, path[2:])
	}
	if path == "~" {
		return a.homeDir
	}
	return path
}

func (a *ArtifactDir) join(name string) string {
	return filepath.Join(a.root, name)
}

func stamp(at time.Time) string {
	return at.Format(ArtifactStampLayout)
}

// safe keeps algorithm names from escaping the output directory.
func safe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// Ensure ArtifactDir implements domain.ArtifactLayout.
var _ domain.ArtifactLayout = (*ArtifactDir)(nil)
