// Package export assembles evidence packages: self-contained zip archives
// holding one stream's events, evidence bundles, annotations, conflict
// records, and anchor batches, verifiable offline with no database and no
// network.
//
// A package is a point-in-time extract. The manifest carries a sha256 per
// file so any single altered file is detectable, and the archive digest
// covers the whole artifact.
package export

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/ledger"
)

// FormatVersion is the package format written by this code. Readers accept
// any release with the same major version.
const FormatVersion = "1.0.0"

// Archive member names.
const (
	ManifestName    = "manifest.json"
	EventsName      = "events.json"
	EvidenceName    = "evidence.json"
	AnnotationsName = "annotations.json"
	ConflictsName   = "conflicts.json"
	AnchorsName     = "anchors.json"
	ReadmeName      = "README.txt"
)

// Manifest describes the package contents.
type Manifest struct {
	FormatVersion   string                   `json:"format_version"`
	StreamID        string                   `json:"stream_id"`
	GeneratedAt     time.Time                `json:"generated_at"`
	HeadSeq         uint64                   `json:"head_seq"`
	HeadDigest      digest.Digest            `json:"head_digest"`
	EventCount      int                      `json:"event_count"`
	EvidenceCount   int                      `json:"evidence_count"`
	AnnotationCount int                      `json:"annotation_count"`
	ConflictCount   int                      `json:"conflict_count"`
	BatchCount      int                      `json:"batch_count"`
	FileChecksums   map[string]digest.Digest `json:"file_checksums"`
}

// Result summarizes one finished export.
type Result struct {
	Manifest      Manifest      `json:"manifest"`
	ArchiveDigest digest.Digest `json:"archive_digest"`
	Bytes         int64         `json:"bytes"`
}

// Store is the read surface the exporter needs. The combined backends
// satisfy it; nothing here can write.
type Store interface {
	StreamEvents(ctx context.Context, streamID string, fromSeq uint64) ([]ledger.Event, error)
	BundleByDigest(ctx context.Context, d digest.Digest) (evidence.Bundle, error)
	StreamAnnotations(ctx context.Context, streamID string) ([]conflict.Annotation, error)
	ConflictsForStream(ctx context.Context, streamID string) ([]conflict.Record, error)
	BatchByID(ctx context.Context, id string) (anchor.Batch, error)
}

// Exporter writes evidence packages.
type Exporter struct {
	store Store
	clock func() time.Time
}

// NewExporter creates an exporter over the given store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export writes the evidence package for streamID to w and returns the
// manifest together with the digest of the written archive.
func (e *Exporter) Export(ctx context.Context, streamID string, w io.Writer) (*Result, error) {
	if streamID == "" {
		return nil, errors.New("export: stream id required")
	}

	events, err := e.store.StreamEvents(ctx, streamID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %q: %w", streamID, err)
	}

	bundles := make([]evidence.Bundle, 0, len(events))
	batches := make([]anchor.Batch, 0)
	seenBatches := make(map[string]bool)
	for _, ev := range events {
		bundle, err := e.store.BundleByDigest(ctx, ev.Digest)
		if errors.Is(err, evidence.ErrBundleNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load bundle for %s: %w", ev.Digest, err)
		}
		bundles = append(bundles, bundle)
		if bundle.Anchored() && !seenBatches[bundle.AnchorProof.BatchID] {
			seenBatches[bundle.AnchorProof.BatchID] = true
			batch, err := e.store.BatchByID(ctx, bundle.AnchorProof.BatchID)
			if err != nil {
				return nil, fmt.Errorf("failed to load batch %q: %w", bundle.AnchorProof.BatchID, err)
			}
			batches = append(batches, batch)
		}
	}

	annotations, err := e.store.StreamAnnotations(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotations for %q: %w", streamID, err)
	}
	conflicts, err := e.store.ConflictsForStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to read conflicts for %q: %w", streamID, err)
	}

	now := e.clock().UTC()
	manifest := Manifest{
		FormatVersion:   FormatVersion,
		StreamID:        streamID,
		GeneratedAt:     now,
		EventCount:      len(events),
		EvidenceCount:   len(bundles),
		AnnotationCount: len(annotations),
		ConflictCount:   len(conflicts),
		BatchCount:      len(batches),
		FileChecksums:   make(map[string]digest.Digest),
	}
	if n := len(events); n > 0 {
		manifest.HeadSeq = events[n-1].Seq
		manifest.HeadDigest = events[n-1].Digest
	}

	files := []struct {
		name string
		data any
	}{
		{EventsName, events},
		{EvidenceName, bundles},
		{AnnotationsName, annotations},
		{ConflictsName, conflicts},
		{AnchorsName, batches},
	}

	payloads := make(map[string][]byte, len(files)+2)
	for _, f := range files {
		raw, err := json.MarshalIndent(f.data, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", f.name, err)
		}
		payloads[f.name] = raw
		manifest.FileChecksums[f.name] = digest.Sum(raw)
	}
	readme := []byte(readmeText(streamID, now))
	payloads[ReadmeName] = readme
	manifest.FileChecksums[ReadmeName] = digest.Sum(readme)

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	payloads[ManifestName] = manifestRaw

	hw := &hashingWriter{w: w, h: sha256.New()}
	zw := zip.NewWriter(hw)
	order := []string{ManifestName, EventsName, EvidenceName, AnnotationsName, ConflictsName, AnchorsName, ReadmeName}
	for _, name := range order {
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create archive entry %s: %w", name, err)
		}
		if _, err := f.Write(payloads[name]); err != nil {
			return nil, fmt.Errorf("failed to write archive entry %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	return &Result{
		Manifest:      manifest,
		ArchiveDigest: digest.Digest(digest.Prefix + hex.EncodeToString(hw.h.Sum(nil))),
		Bytes:         hw.n,
	}, nil
}

// hashingWriter tees the archive bytes through sha256 while counting them.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.n += int64(n)
	hw.h.Write(p[:n])
	return n, err
}

func readmeText(streamID string, generatedAt time.Time) string {
	return fmt.Sprintf(`Chronicle evidence package
Stream:    %s
Generated: %s

This archive is a point-in-time, tamper-evident extract of one data stream.
It contains the complete event chain, the evidence bundle attached to each
event, reviewer annotations, conflict records, and the external timestamp
proofs that had matured at generation time.

manifest.json lists a SHA-256 checksum for every file in this archive.
Nothing in this package can be modified without breaking either a file
checksum, the event hash chain, or an anchor inclusion proof.

Verify offline, without any server or database:

    chronicled verify -package <this file>

Handle according to your records retention procedures. This package may
contain pseudonymized subject identifiers; it never contains raw identities.
`, streamID, generatedAt.Format(time.RFC3339))
}
