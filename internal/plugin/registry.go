// Package plugin manages installed extensions on disk: manifest parsing and
// validation, the approved.json approval registry, HMAC signatures over
// entry bytes, and last-known-good snapshots used by the rollback path.
// Loading into the sandbox is the runtime's job; this package decides
// whether a load is allowed.
package plugin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/logging"
)

// ApprovedRecord is one entry in plugins/approved.json.
type ApprovedRecord struct {
	Version      string    `json:"version"`
	ApprovedAt   time.Time `json:"approved_at"`
	ApprovedBy   string    `json:"approved_by"`
	SelfCreated  bool      `json:"self_created,omitempty"`
	AnalysisHash string    `json:"analysis_hash,omitempty"`
}

// Options configures the registry.
type Options struct {
	// SignatureEnabled turns on HMAC verification at load time.
	SignatureEnabled bool
	SignatureSecret  string
	// SignaturesPath is the tool_signatures.json location.
	SignaturesPath string
	Logger         logging.Logger
}

// Registry owns the plugins directory.
type Registry struct {
	dir  string
	opts Options

	mu         sync.Mutex
	approved   map[string]ApprovedRecord
	signatures map[string]string
}

// Open loads approved.json and the signature registry from disk.
func Open(dir string, opts Options) (*Registry, error) {
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.SignaturesPath == "" {
		opts.SignaturesPath = filepath.Join(filepath.Dir(dir), "tool_signatures.json")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins dir: %w", err)
	}

	r := &Registry{
		dir:        dir,
		opts:       opts,
		approved:   map[string]ApprovedRecord{},
		signatures: map[string]string{},
	}
	if err := readJSONFile(r.approvedPath(), &r.approved); err != nil {
		return nil, err
	}
	if err := readJSONFile(opts.SignaturesPath, &r.signatures); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) approvedPath() string {
	return filepath.Join(r.dir, "approved.json")
}

// Install writes a plugin's manifest and entry bytes into
// plugins/<name>/. The plugin is installed unapproved; a review approval
// must follow before it can load.
func (r *Registry) Install(manifest *domain.PluginManifest, entry []byte) (*domain.Plugin, error) {
	if err := domain.ValidatePluginName(manifest.Name); err != nil {
		return nil, err
	}
	if manifest.Version == "" {
		return nil, fmt.Errorf("plugin %s: version is required", manifest.Name)
	}
	if manifest.Entry == "" {
		manifest.Entry = "main.star"
	}
	if filepath.Base(manifest.Entry) != manifest.Entry {
		return nil, fmt.Errorf("plugin %s: entry %q must be a bare file name", manifest.Name, manifest.Entry)
	}
	if len(entry) == 0 {
		return nil, fmt.Errorf("plugin %s: entry bytes are empty", manifest.Name)
	}

	pluginDir := filepath.Join(r.dir, manifest.Name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin dir: %w", err)
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.json"), raw, 0o644); err != nil {
		return nil, err
	}
	entryPath := filepath.Join(pluginDir, manifest.Entry)
	if err := os.WriteFile(entryPath, entry, 0o644); err != nil {
		return nil, err
	}
	r.opts.Logger.Info("plugin %s@%s installed", manifest.Name, manifest.Version)

	return &domain.Plugin{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Manifest:    *manifest,
		EntryPath:   entryPath,
		InstalledAt: time.Now().UTC(),
	}, nil
}

// Manifest reads the installed manifest for a plugin.
func (r *Registry) Manifest(name string) (*domain.PluginManifest, error) {
	if err := domain.ValidatePluginName(name); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(r.dir, name, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("plugin %s not installed: %w", name, err)
	}
	var manifest domain.PluginManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("plugin %s: malformed manifest: %w", name, err)
	}
	return &manifest, nil
}

// EntryBytes reads the plugin's current entry source.
func (r *Registry) EntryBytes(name string) ([]byte, error) {
	manifest, err := r.Manifest(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(r.dir, name, manifest.Entry))
}

// List returns the installed plugins with their approval state.
func (r *Registry) List() ([]*domain.Plugin, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Plugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest, err := r.Manifest(entry.Name())
		if err != nil {
			continue
		}
		p := &domain.Plugin{
			Name:      manifest.Name,
			Version:   manifest.Version,
			Manifest:  *manifest,
			EntryPath: filepath.Join(r.dir, manifest.Name, manifest.Entry),
		}
		if record, ok := r.approved[manifest.Name]; ok && record.Version == manifest.Version {
			p.Approved = true
			p.ApprovedBy = record.ApprovedBy
			at := record.ApprovedAt
			p.ApprovedAt = &at
			p.SelfCreated = record.SelfCreated
		}
		p.Signature = r.signatures[manifest.Name]
		out = append(out, p)
	}
	return out, nil
}

// Approve records an approval for the plugin's current version and, when
// signing is enabled, signs the current entry bytes. Approvals are
// per-version: a new version needs a fresh approval.
func (r *Registry) Approve(name, approvedBy string, selfCreated bool) error {
	manifest, err := r.Manifest(name)
	if err != nil {
		return err
	}
	entry, err := r.EntryBytes(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved[name] = ApprovedRecord{
		Version:      manifest.Version,
		ApprovedAt:   time.Now().UTC(),
		ApprovedBy:   approvedBy,
		SelfCreated:  selfCreated,
		AnalysisHash: fmt.Sprintf("%x", sha256.Sum256(entry)),
	}
	if r.opts.SignatureEnabled {
		r.signatures[name] = r.sign(entry)
		if err := writeJSONFile(r.opts.SignaturesPath, r.signatures); err != nil {
			return err
		}
	}
	// An approval is also the moment the entry is known good.
	if err := r.saveLastKnownGoodLocked(name, manifest.Entry, entry); err != nil {
		return err
	}
	return writeJSONFile(r.approvedPath(), r.approved)
}

// Revoke removes the approval (and signature) for a plugin.
func (r *Registry) Revoke(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.approved, name)
	delete(r.signatures, name)
	if err := writeJSONFile(r.opts.SignaturesPath, r.signatures); err != nil {
		return err
	}
	return writeJSONFile(r.approvedPath(), r.approved)
}

// VerifyLoadable decides whether a plugin may enter the sandbox: the
// recorded approval must match the manifest version, and with signing on the
// entry bytes must match their HMAC. Returns the entry source on success.
func (r *Registry) VerifyLoadable(name string) ([]byte, error) {
	manifest, err := r.Manifest(name)
	if err != nil {
		return nil, err
	}
	entry, err := r.EntryBytes(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	record, approved := r.approved[name]
	signature := r.signatures[name]
	r.mu.Unlock()

	if !approved || record.Version != manifest.Version {
		return nil, otterrors.NotApproved(name, manifest.Version)
	}
	if r.opts.SignatureEnabled {
		if signature == "" || !hmac.Equal([]byte(signature), []byte(r.sign(entry))) {
			return nil, otterrors.SignatureMismatch(name)
		}
	}
	return entry, nil
}

// ReplaceEntry overwrites the plugin's entry bytes, as a self-extension
// does. The previous bytes stay available as the last-known-good copy; the
// new bytes are unsigned and unapproved until re-approved.
func (r *Registry) ReplaceEntry(name string, source []byte) error {
	manifest, err := r.Manifest(name)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.dir, name, manifest.Entry), source, 0o644)
}

// LastKnownGood returns the last approved entry bytes.
func (r *Registry) LastKnownGood(name string) ([]byte, error) {
	manifest, err := r.Manifest(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(r.dir, name, manifest.Entry+".good"))
}

// RevertToLastKnownGood restores the last approved entry bytes over the
// current ones, returning (previous, restored) for diffing in events.
func (r *Registry) RevertToLastKnownGood(name string) (previous, restored []byte, err error) {
	previous, err = r.EntryBytes(name)
	if err != nil {
		return nil, nil, err
	}
	restored, err = r.LastKnownGood(name)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s has no last-known-good copy: %w", name, err)
	}
	if err := r.ReplaceEntry(name, restored); err != nil {
		return nil, nil, err
	}
	r.opts.Logger.Warn("plugin %s reverted to last-known-good entry", name)
	return previous, restored, nil
}

func (r *Registry) saveLastKnownGoodLocked(name, entryName string, source []byte) error {
	return os.WriteFile(filepath.Join(r.dir, name, entryName+".good"), source, 0o644)
}

func (r *Registry) sign(entry []byte) string {
	mac := hmac.New(sha256.New, []byte(r.opts.SignatureSecret))
	mac.Write(entry)
	return hex.EncodeToString(mac.Sum(nil))
}

func readJSONFile(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, dst)
}

func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
