package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
)

func openTestRegistry(t *testing.T, opts Options) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	opts.SignaturesPath = filepath.Join(dir, "tool_signatures.json")
	r, err := Open(filepath.Join(dir, "plugins"), opts)
	require.NoError(t, err)
	return r, dir
}

func installFixture(t *testing.T, r *Registry, name, version string, entry []byte) *domain.Plugin {
	t.Helper()
	p, err := r.Install(&domain.PluginManifest{
		Name:    name,
		Version: version,
		Entry:   "main.star",
		Tools:   []domain.PluginToolDecl{{Name: name + "_run"}},
	}, entry)
	require.NoError(t, err)
	return p
}

func TestInstallAndManifestRoundTrip(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	p := installFixture(t, r, "weather", "1.0.0", []byte("def run(args):\n    return 1\n"))
	assert.False(t, p.Approved)

	manifest, err := r.Manifest("weather")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", manifest.Version)
	assert.Equal(t, "main.star", manifest.Entry)

	entry, err := r.EntryBytes("weather")
	require.NoError(t, err)
	assert.Contains(t, string(entry), "def run")
}

func TestInstallRejectsBadNames(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	for _, name := range []string{"", "../escape", "a/b", "a b", "a;rm"} {
		_, err := r.Install(&domain.PluginManifest{Name: name, Version: "1.0.0"}, []byte("x"))
		assert.Error(t, err, "name %q", name)
	}
}

func TestInstallRejectsPathEntry(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	_, err := r.Install(&domain.PluginManifest{
		Name:    "sneaky",
		Version: "1.0.0",
		Entry:   "../../outside.star",
	}, []byte("x"))
	require.Error(t, err)
}

func TestUnapprovedPluginCannotLoad(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	installFixture(t, r, "weather", "1.0.0", []byte("src"))

	_, err := r.VerifyLoadable("weather")
	require.Error(t, err)
	assert.Equal(t, otterrors.KindNotApproved, otterrors.KindOf(err))
}

func TestApproveAllowsLoad(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	installFixture(t, r, "weather", "1.0.0", []byte("src-v1"))
	require.NoError(t, r.Approve("weather", "operator", false))

	entry, err := r.VerifyLoadable("weather")
	require.NoError(t, err)
	assert.Equal(t, "src-v1", string(entry))
}

func TestApprovalIsPerVersion(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	installFixture(t, r, "weather", "1.0.0", []byte("src-v1"))
	require.NoError(t, r.Approve("weather", "operator", false))

	// A version bump invalidates the standing approval.
	installFixture(t, r, "weather", "1.1.0", []byte("src-v2"))
	_, err := r.VerifyLoadable("weather")
	require.Error(t, err)
	assert.Equal(t, otterrors.KindNotApproved, otterrors.KindOf(err))
}

func TestSignatureMismatchOnTamperedEntry(t *testing.T) {
	r, dir := openTestRegistry(t, Options{SignatureEnabled: true, SignatureSecret: "s3cret"})
	installFixture(t, r, "weather", "1.0.0", []byte("src-v1"))
	require.NoError(t, r.Approve("weather", "operator", false))

	_, err := r.VerifyLoadable("weather")
	require.NoError(t, err)

	// Tamper with the entry bytes behind the registry's back.
	entryPath := filepath.Join(dir, "plugins", "weather", "main.star")
	require.NoError(t, os.WriteFile(entryPath, []byte("evil"), 0o644))

	_, err = r.VerifyLoadable("weather")
	require.Error(t, err)
	assert.Equal(t, otterrors.KindSignatureMismatch, otterrors.KindOf(err))
}

func TestApprovalsSurviveReopen(t *testing.T) {
	r, dir := openTestRegistry(t, Options{SignatureEnabled: true, SignatureSecret: "s3cret"})
	installFixture(t, r, "weather", "1.0.0", []byte("src-v1"))
	require.NoError(t, r.Approve("weather", "operator", true))

	reopened, err := Open(filepath.Join(dir, "plugins"), Options{
		SignatureEnabled: true,
		SignatureSecret:  "s3cret",
		SignaturesPath:   filepath.Join(dir, "tool_signatures.json"),
	})
	require.NoError(t, err)

	entry, err := reopened.VerifyLoadable("weather")
	require.NoError(t, err)
	assert.Equal(t, "src-v1", string(entry))

	plugins, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.True(t, plugins[0].Approved)
	assert.True(t, plugins[0].SelfCreated)
	assert.Equal(t, "operator", plugins[0].ApprovedBy)
}

func TestRevokeBlocksLoad(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	installFixture(t, r, "weather", "1.0.0", []byte("src"))
	require.NoError(t, r.Approve("weather", "operator", false))
	require.NoError(t, r.Revoke("weather"))

	_, err := r.VerifyLoadable("weather")
	require.Error(t, err)
	assert.Equal(t, otterrors.KindNotApproved, otterrors.KindOf(err))
}

func TestRevertToLastKnownGood(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	installFixture(t, r, "weather", "1.0.0", []byte("good-src"))
	require.NoError(t, r.Approve("weather", "operator", false))

	require.NoError(t, r.ReplaceEntry("weather", []byte("broken-src")))

	previous, restored, err := r.RevertToLastKnownGood("weather")
	require.NoError(t, err)
	assert.Equal(t, "broken-src", string(previous))
	assert.Equal(t, "good-src", string(restored))

	entry, err := r.EntryBytes("weather")
	require.NoError(t, err)
	assert.Equal(t, "good-src", string(entry))
}

func TestRevertWithoutSnapshotFails(t *testing.T) {
	r, _ := openTestRegistry(t, Options{})
	installFixture(t, r, "weather", "1.0.0", []byte("src"))

	_, _, err := r.RevertToLastKnownGood("weather")
	require.Error(t, err)
}
