package export

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/ledger"
)

// ErrUnsupportedFormat indicates a package written by an incompatible major
// format version.
var ErrUnsupportedFormat = errors.New("export: unsupported package format version")

// formatConstraint accepts any release within the current major version.
const formatConstraint = "^1"

// Package is a parsed evidence package. Raw keeps the exact bytes of every
// archive member so verification can recompute the manifest checksums.
type Package struct {
	Manifest    Manifest
	Events      []ledger.Event
	Bundles     []evidence.Bundle
	Annotations []conflict.Annotation
	Conflicts   []conflict.Record
	Batches     []anchor.Batch
	Raw         map[string][]byte
}

// OpenPackage reads and parses an evidence package from disk.
func OpenPackage(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat package: %w", err)
	}
	return ReadPackage(f, info.Size())
}

// ReadPackage parses an evidence package from any zip source, so callers can
// verify archives fetched from object storage without touching disk.
func ReadPackage(r io.ReaderAt, size int64) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	pkg := &Package{Raw: make(map[string][]byte, len(zr.File))}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
		}
		pkg.Raw[f.Name] = data
	}

	manifestRaw, ok := pkg.Raw[ManifestName]
	if !ok {
		return nil, fmt.Errorf("export: package has no %s", ManifestName)
	}
	if err := json.Unmarshal(manifestRaw, &pkg.Manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := checkFormatVersion(pkg.Manifest.FormatVersion); err != nil {
		return nil, err
	}

	sections := []struct {
		name string
		dst  any
	}{
		{EventsName, &pkg.Events},
		{EvidenceName, &pkg.Bundles},
		{AnnotationsName, &pkg.Annotations},
		{ConflictsName, &pkg.Conflicts},
		{AnchorsName, &pkg.Batches},
	}
	for _, s := range sections {
		raw, ok := pkg.Raw[s.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, s.dst); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.name, err)
		}
	}
	return pkg, nil
}

// checkFormatVersion gates on the manifest's declared format. Minor and
// patch bumps stay readable; a new major version does not.
func checkFormatVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, version)
	}
	constraint, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return fmt.Errorf("failed to parse format constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedFormat, version, formatConstraint)
	}
	return nil
}
