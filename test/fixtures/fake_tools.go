// Package fixtures provides fake external tools for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

var toolSeq atomic.Int64

// FakeTools writes shell-script stand-ins for the transfer binaries and the
// packet capture tool into a directory.
type FakeTools struct {
	Dir string
}

// NewFakeTools creates a generator writing into dir.
func NewFakeTools(dir string) *FakeTools {
	return &FakeTools{Dir: dir}
}

// Transfer writes a fake transfer binary that records its arguments, sleeps
// for d and exits with code. It returns the script path; the arguments of
// each run are appended, one line per run, to ArgsFile(path).
func (f *FakeTools) Transfer(name string, d time.Duration, code int) (string, error) {
	path := filepath.Join(f.Dir, name)
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %q
sleep %s
exit %d
`, ArgsFile(path), seconds(d), code)
	return path, os.WriteFile(path, []byte(script), 0755)
}

// ArgsFile returns where a fake transfer binary records its arguments.
func ArgsFile(path string) string {
	return path + ".args"
}

// Capture writes a long-lived fake capture tool with a unique process name
// (at most 15 characters, so it matches the kernel's comm field). The tool
// creates the file passed after -w and loops until signaled.
func (f *FakeTools) Capture() (name, path string, err error) {
	name = fmt.Sprintf("fcap%d_%d", os.Getpid()%100000, toolSeq.Add(1))
	if len(name) > 15 {
		name = name[:15]
	}
	path = filepath.Join(f.Dir, name)
	script := `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-w" ]; then out="$2"; fi
  shift
done
[ -n "$out" ] && : > "$out"
while true; do sleep 1; done
`
	return name, path, os.WriteFile(path, []byte(script), 0755)
}

// StubbornCapture writes a capture tool that ignores SIGINT and SIGTERM, so
// only the kill tier of the teardown escalation removes it.
func (f *FakeTools) StubbornCapture() (name, path string, err error) {
	name = fmt.Sprintf("scap%d_%d", os.Getpid()%100000, toolSeq.Add(1))
	if len(name) > 15 {
		name = name[:15]
	}
	path = filepath.Join(f.Dir, name)
	script := `#!/bin/sh
trap '' INT TERM
while true; do sleep 1; done
`
	return name, path, os.WriteFile(path, []byte(script), 0755)
}

// Dmesg writes a fake dmesg that prints a fixed line and accepts -C.
func (f *FakeTools) Dmesg() (string, error) {
	path := filepath.Join(f.Dir, "dmesg")
	script := `#!/bin/sh
if [ "$1" = "-C" ]; then exit 0; fi
echo "[    0.000000] fake kernel log"
`
	return path, os.WriteFile(path, []byte(script), 0755)
}

// ReadArgs returns the recorded argument lines of a fake transfer binary.
func ReadArgs(path string) ([]string, error) {
	data, err := os.ReadFile(ArgsFile(path))
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func seconds(d time.Duration) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", d.Seconds()), "0"), ".")
}
