package conflict_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/ledger"
	"github.com/trialmesh/chronicle/pkg/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestManager() (*conflict.Manager, *ledger.Ledger, *store.MemoryStore) {
	st := store.NewMemoryStore()
	clock := func() time.Time { return testNow }
	lg := ledger.New(st).WithClock(clock)
	mgr := conflict.NewManager(st, lg).WithClock(clock)
	return mgr, lg, st
}

// offlineEntry builds a synced diary submission for the shared slot, as two
// devices editing the same day while disconnected would produce.
func offlineEntry(device, severity string, clientTime time.Time) conflict.Submission {
	return conflict.Submission{
		StreamID:   "diary-7",
		Payload:    json.RawMessage(`{"severity":"` + severity + `"}`),
		ActorRef:   "patient:22ab",
		DeviceID:   device,
		Origin:     ledger.OriginSync,
		SlotKey:    "2026-03-09",
		ClientTime: clientTime,
	}
}

func TestIngestLiveEntryBypassesDetection(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	sub := offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))
	sub.Origin = ledger.OriginLive
	ev, record, err := mgr.Ingest(ctx, sub)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("seq = %d, want 1", ev.Seq)
	}
	if record != nil {
		t.Errorf("live entry should not open a conflict, got %+v", record)
	}

	// Synced entries without a slot key have nothing to collide on.
	noSlot := offlineEntry("device-b", "moderate", testNow.Add(-time.Hour))
	noSlot.SlotKey = ""
	_, record, err = mgr.Ingest(ctx, noSlot)
	if err != nil {
		t.Fatalf("ingest without slot: %v", err)
	}
	if record != nil {
		t.Errorf("slotless entry should not open a conflict, got %+v", record)
	}
}

func TestIngestDetectsConcurrentOfflineEdits(t *testing.T) {
	mgr, lg, st := newTestManager()
	ctx := context.Background()

	ev1, record, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour)))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if record != nil {
		t.Fatalf("single submission should not conflict, got %+v", record)
	}

	ev2, record, err := mgr.Ingest(ctx, offlineEntry("device-b", "severe", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if record == nil {
		t.Fatal("concurrent edit from a second device should open a conflict")
	}
	if record.State != conflict.StateUnresolved {
		t.Errorf("state = %q, want unresolved", record.State)
	}
	if record.StreamID != "diary-7" || record.SlotKey != "2026-03-09" {
		t.Errorf("record misrouted: %+v", record)
	}
	if !reflect.DeepEqual(record.EventSeqs, []uint64{ev1.Seq, ev2.Seq}) {
		t.Errorf("event seqs = %v, want [%d %d]", record.EventSeqs, ev1.Seq, ev2.Seq)
	}

	// The losing writer is not rejected: both events are in the stream.
	events, err := lg.ReadStream(ctx, "diary-7", 0)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("stream length = %d, want 2", len(events))
	}

	open, err := st.OpenConflictForSlot(ctx, "diary-7", "2026-03-09")
	if err != nil {
		t.Fatalf("open conflict for slot: %v", err)
	}
	if open.ID != record.ID {
		t.Errorf("open record %q, want %q", open.ID, record.ID)
	}
}

func TestIngestSameDeviceIsOrderedRevision(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, record, err := mgr.Ingest(ctx, offlineEntry("device-a", "moderate", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if record != nil {
		t.Errorf("same-device revision should not conflict, got %+v", record)
	}
}

func TestIngestOutsideOverlapWindow(t *testing.T) {
	mgr, _, _ := newTestManager()
	mgr.WithOverlapWindow(time.Hour)
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-6*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, record, err := mgr.Ingest(ctx, offlineEntry("device-b", "severe", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if record != nil {
		t.Errorf("edits five hours apart with a one hour window should not conflict, got %+v", record)
	}
}

func TestIngestExtendsOpenConflict(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, first, err := mgr.Ingest(ctx, offlineEntry("device-b", "severe", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	_, second, err := mgr.Ingest(ctx, offlineEntry("device-c", "moderate", testNow.Add(-30*time.Minute)))
	if err != nil {
		t.Fatalf("third ingest: %v", err)
	}
	if second == nil {
		t.Fatal("third device should extend the conflict")
	}
	if second.ID != first.ID {
		t.Errorf("third device opened a new record %q, want extension of %q", second.ID, first.ID)
	}
	if !reflect.DeepEqual(second.EventSeqs, []uint64{1, 2, 3}) {
		t.Errorf("event seqs = %v, want [1 2 3]", second.EventSeqs)
	}
}

func TestAssignReviewer(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, record, err := mgr.Ingest(ctx, offlineEntry("device-b", "severe", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if _, err := mgr.AssignReviewer(ctx, record.ID, ""); err == nil {
		t.Error("empty reviewer should be rejected")
	}

	reviewed, err := mgr.AssignReviewer(ctx, record.ID, "coordinator:9d")
	if err != nil {
		t.Fatalf("assign reviewer: %v", err)
	}
	if reviewed.State != conflict.StateUnderReview || reviewed.Reviewer != "coordinator:9d" {
		t.Errorf("unexpected record after assignment: %+v", reviewed)
	}

	if _, err := mgr.AssignReviewer(ctx, record.ID, "coordinator:11f"); !errors.Is(err, conflict.ErrBadTransition) {
		t.Errorf("second assignment should hit the transition guard, got %v", err)
	}
	if _, err := mgr.AssignReviewer(ctx, "no-such-record", "coordinator:9d"); !errors.Is(err, conflict.ErrRecordNotFound) {
		t.Errorf("unknown record should report not found, got %v", err)
	}
}

func TestResolveAppendsSupersedingEvent(t *testing.T) {
	mgr, lg, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, record, err := mgr.Ingest(ctx, offlineEntry("device-b", "severe", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if _, err := mgr.AssignReviewer(ctx, record.ID, "coordinator:9d"); err != nil {
		t.Fatalf("assign reviewer: %v", err)
	}

	if _, _, err := mgr.Resolve(ctx, record.ID, conflict.Resolution{
		Payload:  json.RawMessage(`{"severity":"moderate"}`),
		ActorRef: "coordinator:9d",
		DeviceID: "workstation-1",
	}); err == nil {
		t.Fatal("resolution without a rationale should be rejected")
	}

	ev, ann, err := mgr.Resolve(ctx, record.ID, conflict.Resolution{
		Payload:   json.RawMessage(`{"severity":"moderate"}`),
		ActorRef:  "coordinator:9d",
		DeviceID:  "workstation-1",
		Rationale: "patient confirmed moderate severity by phone",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ev.Seq != 3 {
		t.Errorf("superseding seq = %d, want 3", ev.Seq)
	}
	if ev.Origin != ledger.OriginLive || ev.SlotKey != "2026-03-09" {
		t.Errorf("superseding event misshaped: %+v", ev)
	}
	if !reflect.DeepEqual(ann.RefSeqs, []uint64{1, 2}) {
		t.Errorf("annotation refs = %v, want [1 2]", ann.RefSeqs)
	}
	if ann.Text != "patient confirmed moderate severity by phone" {
		t.Errorf("annotation text = %q", ann.Text)
	}

	resolved, err := mgr.AssignReviewer(ctx, record.ID, "coordinator:11f")
	if !errors.Is(err, conflict.ErrBadTransition) {
		t.Errorf("resolved record should refuse review assignment, got %v (%+v)", err, resolved)
	}

	// The conflicting originals are untouched and still readable.
	events, err := lg.ReadStream(ctx, "diary-7", 0)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("stream length = %d, want 3", len(events))
	}
	if string(events[0].Payload) != `{"severity":"mild"}` {
		t.Errorf("original payload altered: %s", events[0].Payload)
	}

	// Resolution is terminal.
	if _, _, err := mgr.Resolve(ctx, record.ID, conflict.Resolution{
		Payload:   json.RawMessage(`{"severity":"mild"}`),
		ActorRef:  "coordinator:9d",
		Rationale: "second thoughts",
	}); !errors.Is(err, conflict.ErrBadTransition) {
		t.Errorf("second resolution should be rejected, got %v", err)
	}
}

func TestResolveFromUnresolvedRecordsReviewer(t *testing.T) {
	mgr, _, st := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, record, err := mgr.Ingest(ctx, offlineEntry("device-b", "severe", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	ev, ann, err := mgr.Resolve(ctx, record.ID, conflict.Resolution{
		Payload:   json.RawMessage(`{"severity":"moderate"}`),
		ActorRef:  "coordinator:9d",
		DeviceID:  "workstation-1",
		Rationale: "earliest entry matches the paper diary",
	})
	if err != nil {
		t.Fatalf("resolve without prior assignment: %v", err)
	}

	final, err := st.ConflictByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("conflict by id: %v", err)
	}
	if final.State != conflict.StateResolved {
		t.Errorf("state = %q, want resolved", final.State)
	}
	if final.Reviewer != "coordinator:9d" {
		t.Errorf("reviewer = %q, want the resolving actor", final.Reviewer)
	}
	if final.ResolutionSeq != ev.Seq || final.AnnotationID != ann.ID {
		t.Errorf("resolution links wrong: %+v", final)
	}
	if final.Open() {
		t.Error("resolved record should not be open")
	}
}

func TestResolutionSettlesSlot(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, record, err := mgr.Ingest(ctx, offlineEntry("device-b", "severe", testNow.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if _, _, err := mgr.Resolve(ctx, record.ID, conflict.Resolution{
		Payload:   json.RawMessage(`{"severity":"moderate"}`),
		ActorRef:  "coordinator:9d",
		Rationale: "confirmed with the site",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Settled seqs stop flagging: a fresh device syncing the same slot does
	// not collide with the already adjudicated entries.
	_, reopened, err := mgr.Ingest(ctx, offlineEntry("device-d", "mild", testNow.Add(-90*time.Minute)))
	if err != nil {
		t.Fatalf("post-resolution ingest: %v", err)
	}
	if reopened != nil {
		t.Fatalf("settled entries should not re-flag, got %+v", reopened)
	}

	// Two post-resolution devices racing each other open a new record.
	_, dispute, err := mgr.Ingest(ctx, offlineEntry("device-e", "severe", testNow.Add(-80*time.Minute)))
	if err != nil {
		t.Fatalf("dispute ingest: %v", err)
	}
	if dispute == nil {
		t.Fatal("a later dispute should open a new record")
	}
	if dispute.ID == record.ID {
		t.Error("dispute reused the resolved record")
	}
	if !reflect.DeepEqual(dispute.EventSeqs, []uint64{4, 5}) {
		t.Errorf("dispute seqs = %v, want [4 5]", dispute.EventSeqs)
	}
}

func TestProposeAnnotationChains(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "moderate", testNow.Add(-time.Hour))); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	first, err := mgr.ProposeAnnotation(ctx, "diary-7", []uint64{1}, "site verified the entry", "coordinator:9d")
	if err != nil {
		t.Fatalf("first annotation: %v", err)
	}
	if first.Seq != 1 || first.PrevDigest != "" {
		t.Errorf("first annotation should start the chain: %+v", first)
	}
	if !first.Digest.Valid() {
		t.Errorf("invalid digest %q", first.Digest)
	}

	second, err := mgr.ProposeAnnotation(ctx, "diary-7", []uint64{1, 2}, "both entries reviewed together", "coordinator:9d")
	if err != nil {
		t.Fatalf("second annotation: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("second seq = %d, want 2", second.Seq)
	}
	if second.PrevDigest != first.Digest {
		t.Errorf("chain broken: prev %s, want %s", second.PrevDigest, first.Digest)
	}

	all, err := mgr.Annotations(ctx, "diary-7")
	if err != nil {
		t.Fatalf("annotations: %v", err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Errorf("unexpected annotation stream: %+v", all)
	}
}

func TestProposeAnnotationValidation(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cases := []struct {
		name      string
		streamID  string
		refs      []uint64
		text      string
		authorRef string
	}{
		{"missing stream", "", []uint64{1}, "note", "coordinator:9d"},
		{"no refs", "diary-7", nil, "note", "coordinator:9d"},
		{"missing text", "diary-7", []uint64{1}, "", "coordinator:9d"},
		{"missing author", "diary-7", []uint64{1}, "note", ""},
		{"ref beyond head", "diary-7", []uint64{99}, "note", "coordinator:9d"},
		{"ref zero", "diary-7", []uint64{0}, "note", "coordinator:9d"},
		{"unknown stream", "diary-404", []uint64{1}, "note", "coordinator:9d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.ProposeAnnotation(ctx, tc.streamID, tc.refs, tc.text, tc.authorRef); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCombinedViewIndexesNotes(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "mild", testNow.Add(-2*time.Hour))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, _, err := mgr.Ingest(ctx, offlineEntry("device-a", "moderate", testNow.Add(-time.Hour))); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	first, err := mgr.ProposeAnnotation(ctx, "diary-7", []uint64{1}, "checked against source", "coordinator:9d")
	if err != nil {
		t.Fatalf("first annotation: %v", err)
	}
	second, err := mgr.ProposeAnnotation(ctx, "diary-7", []uint64{1, 2}, "batch review complete", "coordinator:9d")
	if err != nil {
		t.Fatalf("second annotation: %v", err)
	}

	view, err := mgr.CombinedView(ctx, "diary-7")
	if err != nil {
		t.Fatalf("combined view: %v", err)
	}
	if len(view.Events) != 2 || len(view.Annotations) != 2 {
		t.Fatalf("view sizes: %d events, %d annotations", len(view.Events), len(view.Annotations))
	}
	if !reflect.DeepEqual(view.NotesBySeq[1], []string{first.ID, second.ID}) {
		t.Errorf("seq 1 notes = %v", view.NotesBySeq[1])
	}
	if !reflect.DeepEqual(view.NotesBySeq[2], []string{second.ID}) {
		t.Errorf("seq 2 notes = %v", view.NotesBySeq[2])
	}
}
