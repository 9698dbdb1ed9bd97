package cvdutils

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// supervisorForTest skips the calling test when /bin/sh isn't on PATH,
// since ResolveBinary's probe execs the candidate binary.
func supervisorForTest(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found on PATH")
	}
	return supervisor.New()
}

func TestEmulateAbsolutePathEmpty(t *testing.T) {
	_, err := EmulateAbsolutePath(PathOptions{})
	assert.Error(t, err)
}

func TestEmulateAbsolutePathTilde(t *testing.T) {
	assert := assert.New(t)

	resolved, err := EmulateAbsolutePath(PathOptions{Path: "~", Home: "/home/vsoc01"})
	assert.NoError(err)
	assert.Equal("/home/vsoc01", resolved)

	resolved, err = EmulateAbsolutePath(PathOptions{Path: "~/cuttlefish", Home: "/home/vsoc01"})
	assert.NoError(err)
	assert.Equal("/home/vsoc01/cuttlefish", resolved)
}

func TestEmulateAbsolutePathTildeNotAtStart(t *testing.T) {
	_, err := EmulateAbsolutePath(PathOptions{Path: "/foo/~/bar"})
	assert.Error(t, err)
}

func TestEmulateAbsolutePathRelative(t *testing.T) {
	resolved, err := EmulateAbsolutePath(PathOptions{Path: "a/../b/./c", Cwd: "/tmp/work"})
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/work/b/c", resolved)
}

func TestEmulateAbsolutePathAlreadyAbsolute(t *testing.T) {
	resolved, err := EmulateAbsolutePath(PathOptions{Path: "/a/b/../c", Cwd: "/should/not/be/used"})
	assert.NoError(t, err)
	assert.Equal(t, "/a/c", resolved)
}

func TestEmulateAbsolutePathFollowSymlink(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	assert.NoError(os.WriteFile(target, []byte("x"), 0644))

	link := filepath.Join(dir, "link")
	assert.NoError(os.Symlink(target, link))

	resolved, err := EmulateAbsolutePath(PathOptions{Path: link, FollowSymlink: true})
	assert.NoError(err)

	want, err := filepath.EvalSymlinks(target)
	assert.NoError(err)
	assert.Equal(want, resolved)
}

func TestHostArtifactPathFindsCandidate(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	assert.NoError(os.MkdirAll(binDir, 0755))
	assert.NoError(os.WriteFile(filepath.Join(binDir, "cvd_internal_start"), []byte(""), 0755))

	path, err := HostArtifactPath(map[string]string{"ANDROID_HOST_OUT": dir})
	assert.NoError(err)
	assert.Equal(dir, path)
}

func TestHostArtifactPathNoCandidate(t *testing.T) {
	_, err := HostArtifactPath(map[string]string{"ANDROID_HOST_OUT": t.TempDir()})
	assert.Error(t, err)
}

func TestFindBinaryPrefersFirstAlternative(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	assert.NoError(os.MkdirAll(binDir, 0755))
	assert.NoError(os.WriteFile(filepath.Join(binDir, "launch_cvd"), []byte(""), 0755))

	name, err := FindBinary(dir, []string{"cvd_internal_start", "launch_cvd"})
	assert.NoError(err)
	assert.Equal("launch_cvd", name)
}

func TestFindBinaryNoneFound(t *testing.T) {
	_, err := FindBinary(t.TempDir(), []string{"cvd_internal_start", "launch_cvd"})
	assert.Error(t, err)
}

// writeFakeHelper writes a shell script under dir/bin/name that reacts to
// its first argument the way helper binaries the probe targets do.
func writeFakeHelper(t *testing.T, dir, name, script string) {
	t.Helper()
	binDir := filepath.Join(dir, "bin")
	assert.NoError(t, os.MkdirAll(binDir, 0755))
	assert.NoError(t, os.WriteFile(filepath.Join(binDir, name), []byte("#!/bin/sh\n"+script), 0755))
}

func TestResolveBinaryProbesHelpxml(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "cvd_internal_start", `
case "$1" in
  --helpxml) exit 0 ;;
  *) exit 1 ;;
esac
`)

	name, err := ResolveBinary(supervisorForTest(t), dir, []string{"cvd_internal_start"})
	assert.NoError(t, err)
	assert.Equal(t, "cvd_internal_start", name)
}

func TestResolveBinaryFallsBackToDashHelp(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "cvd_internal_start", `
case "$1" in
  -help) exit 0 ;;
  *) exit 1 ;;
esac
`)

	name, err := ResolveBinary(supervisorForTest(t), dir, []string{"cvd_internal_start"})
	assert.NoError(t, err)
	assert.Equal(t, "cvd_internal_start", name)
}

func TestResolveBinaryCachesResult(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "cvd_internal_start", "exit 0\n")

	_, err := ResolveBinary(supervisorForTest(t), dir, []string{"cvd_internal_start"})
	assert.NoError(t, err)

	binPath := filepath.Join(dir, "bin", "cvd_internal_start")
	assert.NoError(t, os.Remove(binPath))
	assert.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\nexit 1\n"), 0755))

	name, err := ResolveBinary(supervisorForTest(t), dir, []string{"cvd_internal_start"})
	assert.NoError(t, err, "cached probe result should skip re-executing the now-broken binary")
	assert.Equal(t, "cvd_internal_start", name)
}
