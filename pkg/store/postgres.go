package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/ledger"
)

// PostgresStore persists the full data model in PostgreSQL for shared,
// multi-process deployments. The caller owns the *sql.DB and loads the
// driver; the store only issues portable SQL.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ ledger.Store      = (*PostgresStore)(nil)
	_ evidence.Store    = (*PostgresStore)(nil)
	_ anchor.BatchStore = (*PostgresStore)(nil)
	_ conflict.Store    = (*PostgresStore)(nil)
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	payload JSONB NOT NULL,
	actor_ref TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL,
	slot_key TEXT NOT NULL DEFAULT '',
	client_time TIMESTAMPTZ NOT NULL,
	server_time TIMESTAMPTZ NOT NULL,
	skew_flagged BOOLEAN NOT NULL DEFAULT FALSE,
	prev_digest TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL,
	UNIQUE (stream_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_slot ON events(stream_id, slot_key);

CREATE TABLE IF NOT EXISTS stream_heads (
	stream_id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	digest TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_bundles (
	event_digest TEXT PRIMARY KEY,
	actor_hash TEXT NOT NULL,
	device_fingerprint TEXT NOT NULL DEFAULT '',
	auth_assurance TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	anchor_proof JSONB,
	anchored_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS anchor_batches (
	id TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	members JSONB NOT NULL,
	status TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	receipt TEXT NOT NULL DEFAULT '',
	authority JSONB,
	failure_reason TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	ref_seqs JSONB NOT NULL,
	body TEXT NOT NULL,
	author_ref TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	prev_digest TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL,
	UNIQUE (stream_id, seq)
);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	slot_key TEXT NOT NULL,
	event_seqs JSONB NOT NULL,
	state TEXT NOT NULL,
	reviewer TEXT NOT NULL DEFAULT '',
	resolution_seq BIGINT NOT NULL DEFAULT 0,
	annotation_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_stream ON conflicts(stream_id);
`

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return nil
}

// AppendEvent inserts the event and advances the stream head in one
// transaction, so Head never observes an event the chain does not include.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev ledger.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			id, stream_id, seq, payload, actor_ref, device_id, origin, slot_key,
			client_time, server_time, skew_flagged, prev_digest, digest
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (stream_id, seq) DO NOTHING`,
		ev.ID, ev.StreamID, int64(ev.Seq), string(ev.Payload), ev.ActorRef, ev.DeviceID,
		string(ev.Origin), ev.SlotKey, ev.ClientTime.UTC(), ev.ServerTime.UTC(),
		ev.SkewFlagged, string(ev.PrevDigest), string(ev.Digest),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return ledger.ErrSequenceTaken
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_heads (stream_id, seq, digest) VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO UPDATE SET seq = excluded.seq, digest = excluded.digest
		WHERE excluded.seq > stream_heads.seq`,
		ev.StreamID, int64(ev.Seq), string(ev.Digest),
	); err != nil {
		return fmt.Errorf("failed to advance stream head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) StreamEvents(ctx context.Context, streamID string, fromSeq uint64) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE stream_id = $1 AND seq >= $2
		ORDER BY seq ASC`,
		streamID, int64(fromSeq),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream %q: %w", streamID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []ledger.Event
	for rows.Next() {
		ev, err := scanEventPG(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE stream_id = $1 LIMIT 1`, streamID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrStreamNotFound
		}
		if err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *PostgresStore) Head(ctx context.Context, streamID string) (uint64, digest.Digest, error) {
	var (
		seq int64
		d   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, digest FROM stream_heads WHERE stream_id = $1`,
		streamID,
	).Scan(&seq, &d)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ledger.ErrStreamNotFound
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read head of stream %q: %w", streamID, err)
	}
	return uint64(seq), digest.Digest(d), nil
}

func (s *PostgresStore) StreamIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id FROM stream_heads ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEventPG(rows *sql.Rows) (ledger.Event, error) {
	var (
		ev      ledger.Event
		seq     int64
		payload []byte
		origin  string
		prev, d string
	)
	err := rows.Scan(&ev.ID, &ev.StreamID, &seq, &payload, &ev.ActorRef, &ev.DeviceID,
		&origin, &ev.SlotKey, &ev.ClientTime, &ev.ServerTime, &ev.SkewFlagged, &prev, &d)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("failed to scan event row: %w", err)
	}
	ev.Seq = uint64(seq)
	ev.Payload = json.RawMessage(payload)
	ev.Origin = ledger.Origin(origin)
	ev.ClientTime = ev.ClientTime.UTC()
	ev.ServerTime = ev.ServerTime.UTC()
	ev.PrevDigest = digest.Digest(prev)
	ev.Digest = digest.Digest(d)
	return ev, nil
}

func (s *PostgresStore) PutBundle(ctx context.Context, b evidence.Bundle) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_bundles (
			event_digest, actor_hash, device_fingerprint, auth_assurance, created_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_digest) DO NOTHING`,
		string(b.EventDigest), b.ActorHash, b.DeviceFingerprint, string(b.AuthAssurance), b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evidence bundle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w for %s", evidence.ErrBundleExists, b.EventDigest)
	}
	return nil
}

func (s *PostgresStore) BundleByDigest(ctx context.Context, d digest.Digest) (evidence.Bundle, error) {
	var (
		b          evidence.Bundle
		ed         string
		assurance  string
		proofJSON  sql.NullString
		anchoredAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_digest, actor_hash, device_fingerprint, auth_assurance, created_at, anchor_proof, anchored_at
		FROM evidence_bundles
		WHERE event_digest = $1`,
		string(d),
	).Scan(&ed, &b.ActorHash, &b.DeviceFingerprint, &assurance, &b.CreatedAt, &proofJSON, &anchoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return evidence.Bundle{}, evidence.ErrBundleNotFound
	}
	if err != nil {
		return evidence.Bundle{}, fmt.Errorf("failed to read evidence bundle: %w", err)
	}
	b.EventDigest = digest.Digest(ed)
	b.AuthAssurance = evidence.AuthAssurance(assurance)
	b.CreatedAt = b.CreatedAt.UTC()
	if proofJSON.Valid && proofJSON.String != "" {
		var proof evidence.AnchorProof
		if err := json.Unmarshal([]byte(proofJSON.String), &proof); err != nil {
			return evidence.Bundle{}, fmt.Errorf("failed to decode stored anchor proof: %w", err)
		}
		b.AnchorProof = &proof
	}
	if anchoredAt.Valid {
		b.AnchoredAt = anchoredAt.Time.UTC()
	}
	return b, nil
}

func (s *PostgresStore) SetAnchorProof(ctx context.Context, d digest.Digest, proof evidence.AnchorProof, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var proofJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT anchor_proof FROM evidence_bundles WHERE event_digest = $1 FOR UPDATE`, string(d),
	).Scan(&proofJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return evidence.ErrBundleNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read evidence bundle: %w", err)
	}

	if proofJSON.Valid && proofJSON.String != "" {
		return compareProofs(d, []byte(proofJSON.String), proof)
	}

	raw, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("failed to encode anchor proof: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE evidence_bundles
		SET anchor_proof = $1, anchored_at = $2
		WHERE event_digest = $3`,
		string(raw), at.UTC(), string(d),
	); err != nil {
		return fmt.Errorf("failed to record anchor proof: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UnanchoredDigests(ctx context.Context, limit int) ([]digest.Digest, error) {
	query := `
		SELECT event_digest FROM evidence_bundles
		WHERE anchor_proof IS NULL
		ORDER BY created_at ASC, event_digest ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unanchored digests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []digest.Digest
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, digest.Digest(d))
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b anchor.Batch) error {
	members, err := json.Marshal(b.Members)
	if err != nil {
		return fmt.Errorf("failed to encode batch members: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anchor_batches (id, root, members, status, submitted_at, receipt)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, string(b.Root), string(members), string(b.Status), b.SubmittedAt.UTC(), b.Receipt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) BatchByID(ctx context.Context, id string) (anchor.Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root, members, status, submitted_at, receipt, authority, failure_reason, resolved_at
		FROM anchor_batches
		WHERE id = $1`,
		id,
	)
	return scanBatchPG(row)
}

func (s *PostgresStore) PendingBatches(ctx context.Context) ([]anchor.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root, members, status, submitted_at, receipt, authority, failure_reason, resolved_at
		FROM anchor_batches
		WHERE status = $1
		ORDER BY submitted_at ASC, id ASC`,
		string(anchor.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []anchor.Batch
	for rows.Next() {
		b, err := scanBatchPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatchPG(row scannable) (anchor.Batch, error) {
	var (
		b             anchor.Batch
		root          string
		membersJSON   []byte
		status        string
		authorityJSON sql.NullString
		resolvedAt    sql.NullTime
	)
	err := row.Scan(&b.ID, &root, &membersJSON, &status, &b.SubmittedAt, &b.Receipt,
		&authorityJSON, &b.FailureReason, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return anchor.Batch{}, anchor.ErrBatchNotFound
	}
	if err != nil {
		return anchor.Batch{}, fmt.Errorf("failed to scan batch row: %w", err)
	}
	b.Root = digest.Digest(root)
	b.Status = anchor.BatchStatus(status)
	b.SubmittedAt = b.SubmittedAt.UTC()
	if err := json.Unmarshal(membersJSON, &b.Members); err != nil {
		return anchor.Batch{}, fmt.Errorf("failed to decode batch members: %w", err)
	}
	if authorityJSON.Valid && authorityJSON.String != "" {
		var rec evidence.AuthorityRecord
		if err := json.Unmarshal([]byte(authorityJSON.String), &rec); err != nil {
			return anchor.Batch{}, fmt.Errorf("failed to decode authority record: %w", err)
		}
		b.Authority = &rec
	}
	if resolvedAt.Valid {
		b.ResolvedAt = resolvedAt.Time.UTC()
	}
	return b, nil
}

func (s *PostgresStore) MarkBatchMatured(ctx context.Context, id string, record evidence.AuthorityRecord, at time.Time) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode authority record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE anchor_batches
		SET status = $1, authority = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		string(anchor.StatusMatured), string(raw), at.UTC(), id, string(anchor.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mature batch: %w", err)
	}
	return s.checkBatchTransition(ctx, res, id)
}

func (s *PostgresStore) MarkBatchFailed(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE anchor_batches
		SET status = $1, failure_reason = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		string(anchor.StatusFailed), reason, at.UTC(), id, string(anchor.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to fail batch: %w", err)
	}
	return s.checkBatchTransition(ctx, res, id)
}

func (s *PostgresStore) checkBatchTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM anchor_batches WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return anchor.ErrBatchNotFound
	}
	if err != nil {
		return err
	}
	return anchor.ErrBatchNotPending
}

func (s *PostgresStore) AppendAnnotation(ctx context.Context, a conflict.Annotation) error {
	refs, err := json.Marshal(a.RefSeqs)
	if err != nil {
		return fmt.Errorf("failed to encode annotation refs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, stream_id, seq, ref_seqs, body, author_ref, created_at, prev_digest, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stream_id, seq) DO NOTHING`,
		a.ID, a.StreamID, int64(a.Seq), string(refs), a.Text, a.AuthorRef,
		a.CreatedAt.UTC(), string(a.PrevDigest), string(a.Digest),
	)
	if err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrSequenceTaken
	}
	return nil
}

func (s *PostgresStore) StreamAnnotations(ctx context.Context, streamID string) ([]conflict.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, seq, ref_seqs, body, author_ref, created_at, prev_digest, digest
		FROM annotations
		WHERE stream_id = $1
		ORDER BY seq ASC`,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []conflict.Annotation{}
	for rows.Next() {
		var (
			a        conflict.Annotation
			seq      int64
			refsJSON []byte
			prev, d  string
		)
		if err := rows.Scan(&a.ID, &a.StreamID, &seq, &refsJSON, &a.Text, &a.AuthorRef, &a.CreatedAt, &prev, &d); err != nil {
			return nil, fmt.Errorf("failed to scan annotation row: %w", err)
		}
		a.Seq = uint64(seq)
		if err := json.Unmarshal(refsJSON, &a.RefSeqs); err != nil {
			return nil, fmt.Errorf("failed to decode annotation refs: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.PrevDigest = digest.Digest(prev)
		a.Digest = digest.Digest(d)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AnnotationHead(ctx context.Context, streamID string) (uint64, digest.Digest, error) {
	var (
		seq int64
		d   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, digest FROM annotations
		WHERE stream_id = $1
		ORDER BY seq DESC
		LIMIT 1`,
		streamID,
	).Scan(&seq, &d)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read annotation head: %w", err)
	}
	return uint64(seq), digest.Digest(d), nil
}

func (s *PostgresStore) CreateConflict(ctx context.Context, r conflict.Record) error {
	seqs, err := json.Marshal(r.EventSeqs)
	if err != nil {
		return fmt.Errorf("failed to encode conflict seqs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, stream_id, slot_key, event_seqs, state, reviewer, resolution_seq, annotation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.StreamID, r.SlotKey, string(seqs), string(r.State), r.Reviewer,
		int64(r.ResolutionSeq), r.AnnotationID, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConflictByID(ctx context.Context, id string) (conflict.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id)
	return scanConflictPG(row)
}

func (s *PostgresStore) ConflictsForStream(ctx context.Context, streamID string) ([]conflict.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE stream_id = $1
		ORDER BY created_at ASC, id ASC`,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []conflict.Record
	for rows.Next() {
		r, err := scanConflictPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenConflictForSlot(ctx context.Context, streamID, slotKey string) (conflict.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE stream_id = $1 AND slot_key = $2 AND state != $3
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		streamID, slotKey, string(conflict.StateResolved),
	)
	return scanConflictPG(row)
}

func scanConflictPG(row scannable) (conflict.Record, error) {
	var (
		r             conflict.Record
		seqsJSON      []byte
		state         string
		resolutionSeq int64
	)
	err := row.Scan(&r.ID, &r.StreamID, &r.SlotKey, &seqsJSON, &state, &r.Reviewer,
		&resolutionSeq, &r.AnnotationID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conflict.Record{}, conflict.ErrRecordNotFound
	}
	if err != nil {
		return conflict.Record{}, fmt.Errorf("failed to scan conflict row: %w", err)
	}
	if err := json.Unmarshal(seqsJSON, &r.EventSeqs); err != nil {
		return conflict.Record{}, fmt.Errorf("failed to decode conflict seqs: %w", err)
	}
	r.State = conflict.State(state)
	r.ResolutionSeq = uint64(resolutionSeq)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *PostgresStore) AddConflictSeq(ctx context.Context, id string, seq uint64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seqsJSON []byte
		state    string
	)
	err = tx.QueryRowContext(ctx, `SELECT event_seqs, state FROM conflicts WHERE id = $1 FOR UPDATE`, id).Scan(&seqsJSON, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return conflict.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read conflict record: %w", err)
	}
	if conflict.State(state) == conflict.StateResolved {
		return conflict.ErrBadTransition
	}

	var seqs []uint64
	if err := json.Unmarshal(seqsJSON, &seqs); err != nil {
		return fmt.Errorf("failed to decode conflict seqs: %w", err)
	}
	for _, have := range seqs {
		if have == seq {
			return nil
		}
	}
	seqs = append(seqs, seq)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	raw, err := json.Marshal(seqs)
	if err != nil {
		return fmt.Errorf("failed to encode conflict seqs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conflicts SET event_seqs = $1, updated_at = $2 WHERE id = $3`,
		string(raw), at.UTC(), id); err != nil {
		return fmt.Errorf("failed to extend conflict record: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) MarkConflictUnderReview(ctx context.Context, id, reviewer string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET state = $1, reviewer = $2, updated_at = $3
		WHERE id = $4 AND state = $5`,
		string(conflict.StateUnderReview), reviewer, at.UTC(), id, string(conflict.StateUnresolved),
	)
	if err != nil {
		return fmt.Errorf("failed to move conflict under review: %w", err)
	}
	return s.checkConflictTransition(ctx, res, id)
}

func (s *PostgresStore) MarkConflictResolved(ctx context.Context, id string, resolutionSeq uint64, annotationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET state = $1, resolution_seq = $2, annotation_id = $3, updated_at = $4
		WHERE id = $5 AND state = $6`,
		string(conflict.StateResolved), int64(resolutionSeq), annotationID, at.UTC(),
		id, string(conflict.StateUnderReview),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	return s.checkConflictTransition(ctx, res, id)
}

func (s *PostgresStore) checkConflictTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM conflicts WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return conflict.ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	return conflict.ErrBadTransition
}
