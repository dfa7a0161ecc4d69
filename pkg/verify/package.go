package verify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/export"
	"github.com/trialmesh/chronicle/pkg/merkle"
)

// PackageReport is the structured output of offline package verification.
// Every field is written for auditor consumption.
type PackageReport struct {
	Package    string        `json:"package"`
	Verified   bool          `json:"verified"`
	VerifiedAt time.Time     `json:"verified_at"`
	Checks     []CheckResult `json:"checks"`
	Summary    string        `json:"summary"`
	IssueCount int           `json:"issue_count"`
	Version    string        `json:"version"`
}

// CheckResult is one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (r *PackageReport) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func (r *PackageReport) addChecks(cs []CheckResult) {
	r.Checks = append(r.Checks, cs...)
}

// VerifyPackage verifies an evidence package from disk, fully offline: no
// database, no network, no trust in the producing server. Only the
// cryptography in the package itself is consulted.
func VerifyPackage(path string) (*PackageReport, error) {
	pkg, err := export.OpenPackage(path)
	if err != nil {
		return nil, err
	}
	report := CheckPackage(pkg)
	report.Package = path
	return report, nil
}

// CheckPackage runs every offline check over an already parsed package.
func CheckPackage(pkg *export.Package) *PackageReport {
	report := &PackageReport{
		Verified:   true,
		VerifiedAt: time.Now().UTC(),
		Checks:     make([]CheckResult, 0),
		Version:    ReportVersion,
	}

	report.addChecks(checkManifestChecksums(pkg))
	report.addCheck(checkDeclaredCounts(pkg))
	report.addCheck(checkEventChain(pkg))
	report.addCheck(checkAnnotationChain(pkg))
	report.addCheck(checkBundleReferences(pkg))
	report.addChecks(checkAnchorProofs(pkg))

	failed := 0
	for _, c := range report.Checks {
		if !c.Pass {
			failed++
		}
	}
	report.IssueCount = failed
	if failed > 0 {
		report.Verified = false
		report.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(report.Checks))
	} else {
		report.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(report.Checks), len(report.Checks))
	}
	return report
}

// checkManifestChecksums recomputes the sha256 of every file the manifest
// names. One result per file keeps the report line-item auditable.
func checkManifestChecksums(pkg *export.Package) []CheckResult {
	names := make([]string, 0, len(pkg.Manifest.FileChecksums))
	for name := range pkg.Manifest.FileChecksums {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		want := pkg.Manifest.FileChecksums[name]
		raw, ok := pkg.Raw[name]
		if !ok {
			results = append(results, CheckResult{
				Name: "checksum:" + name, Pass: false,
				Reason: "file listed in manifest but missing from archive",
			})
			continue
		}
		got := digest.Sum(raw)
		if got != want {
			results = append(results, CheckResult{
				Name: "checksum:" + name, Pass: false,
				Reason: fmt.Sprintf("checksum mismatch: manifest %s, actual %s", want, got),
			})
			continue
		}
		results = append(results, CheckResult{Name: "checksum:" + name, Pass: true, Detail: "checksum verified"})
	}
	if len(results) == 0 {
		results = append(results, CheckResult{
			Name: "checksums", Pass: false, Reason: "manifest lists no file checksums",
		})
	}
	return results
}

func checkDeclaredCounts(pkg *export.Package) CheckResult {
	m := pkg.Manifest
	if len(pkg.Events) != m.EventCount {
		return CheckResult{Name: "counts", Pass: false,
			Reason: fmt.Sprintf("manifest declares %d events, archive holds %d", m.EventCount, len(pkg.Events))}
	}
	if len(pkg.Bundles) != m.EvidenceCount {
		return CheckResult{Name: "counts", Pass: false,
			Reason: fmt.Sprintf("manifest declares %d bundles, archive holds %d", m.EvidenceCount, len(pkg.Bundles))}
	}
	if len(pkg.Annotations) != m.AnnotationCount {
		return CheckResult{Name: "counts", Pass: false,
			Reason: fmt.Sprintf("manifest declares %d annotations, archive holds %d", m.AnnotationCount, len(pkg.Annotations))}
	}
	if len(pkg.Conflicts) != m.ConflictCount {
		return CheckResult{Name: "counts", Pass: false,
			Reason: fmt.Sprintf("manifest declares %d conflicts, archive holds %d", m.ConflictCount, len(pkg.Conflicts))}
	}
	if len(pkg.Batches) != m.BatchCount {
		return CheckResult{Name: "counts", Pass: false,
			Reason: fmt.Sprintf("manifest declares %d batches, archive holds %d", m.BatchCount, len(pkg.Batches))}
	}
	return CheckResult{Name: "counts", Pass: true, Detail: "declared counts match archive contents"}
}

// checkEventChain replays the full event chain exactly as the online
// verifier does, against the events embedded in the package.
func checkEventChain(pkg *export.Package) CheckResult {
	if len(pkg.Events) == 0 {
		return CheckResult{Name: "event_chain", Pass: true, Detail: "no events in package"}
	}
	report := &StreamReport{StreamID: pkg.Manifest.StreamID}
	if err := replayChain(context.Background(), pkg.Manifest.StreamID, pkg.Events, report); err != nil {
		return CheckResult{Name: "event_chain", Pass: false, Reason: err.Error()}
	}
	last := pkg.Events[len(pkg.Events)-1]
	if pkg.Manifest.HeadDigest != last.Digest || pkg.Manifest.HeadSeq != last.Seq {
		return CheckResult{Name: "event_chain", Pass: false,
			Reason: fmt.Sprintf("manifest head (%d, %s) does not match final event (%d, %s)",
				pkg.Manifest.HeadSeq, pkg.Manifest.HeadDigest, last.Seq, last.Digest)}
	}
	return CheckResult{Name: "event_chain", Pass: true,
		Detail: fmt.Sprintf("%d events replay to head %s", len(pkg.Events), last.Digest)}
}

// checkAnnotationChain replays the parallel annotation chain.
func checkAnnotationChain(pkg *export.Package) CheckResult {
	if len(pkg.Annotations) == 0 {
		return CheckResult{Name: "annotation_chain", Pass: true, Detail: "no annotations in package"}
	}
	var prev digest.Digest
	for i, ann := range pkg.Annotations {
		wantSeq := uint64(i) + 1
		if ann.Seq != wantSeq {
			return CheckResult{Name: "annotation_chain", Pass: false,
				Reason: fmt.Sprintf("sequence gap at annotation %d: expected seq %d, found %d", i, wantSeq, ann.Seq)}
		}
		if ann.PrevDigest != prev {
			return CheckResult{Name: "annotation_chain", Pass: false,
				Reason: fmt.Sprintf("chain link mismatch at seq %d", ann.Seq)}
		}
		computed, err := conflict.AnnotationDigest(ann, prev)
		if err != nil {
			return CheckResult{Name: "annotation_chain", Pass: false,
				Reason: fmt.Sprintf("cannot recompute digest at seq %d: %v", ann.Seq, err)}
		}
		if computed != ann.Digest {
			return CheckResult{Name: "annotation_chain", Pass: false,
				Reason: fmt.Sprintf("digest mismatch at seq %d: stored %s, computed %s", ann.Seq, ann.Digest, computed)}
		}
		prev = computed
	}
	return CheckResult{Name: "annotation_chain", Pass: true,
		Detail: fmt.Sprintf("%d annotations replay cleanly", len(pkg.Annotations))}
}

// checkBundleReferences confirms every evidence bundle points at an event
// the package actually contains.
func checkBundleReferences(pkg *export.Package) CheckResult {
	byDigest := make(map[digest.Digest]bool, len(pkg.Events))
	for _, ev := range pkg.Events {
		byDigest[ev.Digest] = true
	}
	for _, b := range pkg.Bundles {
		if !byDigest[b.EventDigest] {
			return CheckResult{Name: "bundle_references", Pass: false,
				Reason: fmt.Sprintf("bundle references event digest %s absent from the package", b.EventDigest)}
		}
	}
	return CheckResult{Name: "bundle_references", Pass: true,
		Detail: fmt.Sprintf("%d bundles reference packaged events", len(pkg.Bundles))}
}

// checkAnchorProofs verifies each recorded inclusion proof against the
// authority record embedded in the package. Unanchored bundles are fine:
// recent events simply have no matured proof yet.
func checkAnchorProofs(pkg *export.Package) []CheckResult {
	batchByID := make(map[string]anchor.Batch, len(pkg.Batches))
	for _, b := range pkg.Batches {
		batchByID[b.ID] = b
	}

	var results []CheckResult
	anchored := 0
	for _, bundle := range pkg.Bundles {
		if !bundle.Anchored() {
			continue
		}
		anchored++
		proof := *bundle.AnchorProof
		name := "anchor:" + bundle.EventDigest.Hex()[:12]

		batch, ok := batchByID[proof.BatchID]
		if !ok {
			results = append(results, CheckResult{Name: name, Pass: false,
				Reason: fmt.Sprintf("proof references batch %q absent from the package", proof.BatchID)})
			continue
		}
		if proof.Inclusion.Leaf != bundle.EventDigest {
			results = append(results, CheckResult{Name: name, Pass: false,
				Reason: "inclusion proof leaf does not match the event digest"})
			continue
		}
		if proof.Authority.Root != batch.Root {
			results = append(results, CheckResult{Name: name, Pass: false,
				Reason: "authority record root does not match its batch root"})
			continue
		}
		if !merkle.VerifyInclusion(proof.Inclusion, proof.Authority.Root) {
			results = append(results, CheckResult{Name: name, Pass: false,
				Reason: "inclusion path does not reproduce the anchored root"})
			continue
		}
		results = append(results, CheckResult{Name: name, Pass: true, Detail: "inclusion proof verified"})
	}
	if anchored == 0 {
		results = append(results, CheckResult{Name: "anchor_proofs", Pass: true,
			Detail: "no matured anchor proofs in package"})
	}
	return results
}
