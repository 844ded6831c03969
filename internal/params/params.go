// Package params handles the shared simulation parameter document: a
// sectioned key/value file with configparser-style interpolation
// (${section:key}, or ${key} within the same section). References are
// resolved read-side only; the write path preserves them verbatim so
// the on-disk syntax stays compatible with the simulation binaries.
package params

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

const maxResolveDepth = 10

// Document is a parsed parameter file.
type Document struct {
	file *ini.File
	path string
}

// Load parses the parameter document at path.
func Load(path string) (*Document, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("load parameter file %s: %w", path, err)
	}
	return &Document{file: f, path: path}, nil
}

// Path returns the document's source path.
func (d *Document) Path() string { return d.path }

// Raw returns the unresolved value of section/key.
func (d *Document) Raw(section, key string) (string, error) {
	sec, err := d.file.GetSection(section)
	if err != nil {
		return "", fmt.Errorf("no section %q in %s", section, d.path)
	}
	if !sec.HasKey(key) {
		return "", fmt.Errorf("no key %q in section %q of %s", key, section, d.path)
	}
	return sec.Key(key).Value(), nil
}

// Resolve returns the value of section/key with all ${...} references
// expanded.
func (d *Document) Resolve(section, key string) (string, error) {
	return d.resolve(section, key, 0)
}

func (d *Document) resolve(section, key string, depth int) (string, error) {
	if depth > maxResolveDepth {
		return "", fmt.Errorf("interpolation too deep at %s:%s (reference cycle?)", section, key)
	}
	raw, err := d.Raw(section, key)
	if err != nil {
		return "", err
	}
	var resolveErr error
	out := refPattern.ReplaceAllStringFunc(raw, func(match string) string {
		if resolveErr != nil {
			return match
		}
		ref := match[2 : len(match)-1]
		refSection, refKey := section, ref
		if i := strings.Index(ref, ":"); i >= 0 {
			refSection, refKey = ref[:i], ref[i+1:]
		}
		v, err := d.resolve(refSection, refKey, depth+1)
		if err != nil {
			resolveErr = err
			return match
		}
		return v
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

// Override replaces the value of an existing key in memory. Unknown
// sections or keys are an error so a typo aborts before any build.
func (d *Document) Override(section, key, value string) error {
	sec, err := d.file.GetSection(section)
	if err != nil {
		return fmt.Errorf("override %s:%s: no such section", section, key)
	}
	if !sec.HasKey(key) {
		return fmt.Errorf("override %s:%s: no such key", section, key)
	}
	sec.Key(key).SetValue(value)
	return nil
}

// Write serializes the document back to its source path, references
// unresolved.
func (d *Document) Write() error {
	return d.file.SaveTo(d.path)
}

// WriteTo serializes the document to an alternate path.
func (d *Document) WriteTo(path string) error {
	return d.file.SaveTo(path)
}

// Backup is a verbatim byte copy of the shared document, held so the
// file can be restored after a build has consumed an overridden copy.
type Backup struct {
	path string
	data []byte
	mode os.FileMode
}

// BackupFile snapshots the document bytes at path.
func BackupFile(path string) (*Backup, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", path, err)
	}
	return &Backup{path: path, data: data, mode: info.Mode()}, nil
}

// Restore writes the backed-up bytes over the shared document.
func (b *Backup) Restore() error {
	if err := os.WriteFile(b.path, b.data, b.mode); err != nil {
		return fmt.Errorf("restore %s: %w", b.path, err)
	}
	return nil
}

// MicrometersToCentimeters converts the CLI's micrometer inputs to the
// document's native centimeter units.
func MicrometersToCentimeters(um float64) string {
	return strconv.FormatFloat(um/10000.0, 'g', -1, 64)
}
