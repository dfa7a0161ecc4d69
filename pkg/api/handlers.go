package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/ledger"
	"github.com/trialmesh/chronicle/pkg/observability"
	"github.com/trialmesh/chronicle/pkg/verify"
)

// maxBodyBytes bounds request bodies; clinical payloads are small.
const maxBodyBytes = 1 << 20

// Anchor status vocabulary for API responses. A recorded proof that has not
// been re-verified against the authority reports as "anchored"; a missing
// proof is "pending", which is the normal state for recent events and never
// an error.
const (
	anchorPending  = "pending"
	anchorRecorded = "anchored"
)

type appendRequest struct {
	Payload    json.RawMessage `json:"payload"`
	SlotKey    string          `json:"slot_key,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	ClientTime time.Time       `json:"client_time,omitempty"`
}

type appendResponse struct {
	Event        ledger.Event     `json:"event"`
	Evidence     evidence.Bundle  `json:"evidence"`
	Conflict     *conflict.Record `json:"conflict,omitempty"`
	AnchorStatus string           `json:"anchor_status"`
}

type streamResponse struct {
	StreamID string         `json:"stream_id"`
	Events   []ledger.Event `json:"events"`
}

type headResponse struct {
	StreamID string        `json:"stream_id"`
	Seq      uint64        `json:"seq"`
	Digest   digest.Digest `json:"digest"`
}

type anchorStatusResponse struct {
	Bundle       evidence.Bundle `json:"bundle"`
	AnchorStatus string          `json:"anchor_status"`
}

type annotateRequest struct {
	RefSeqs []uint64 `json:"ref_seqs"`
	Text    string   `json:"text"`
}

type annotationsResponse struct {
	StreamID    string                `json:"stream_id"`
	Annotations []conflict.Annotation `json:"annotations"`
}

type conflictsResponse struct {
	StreamID  string            `json:"stream_id"`
	Conflicts []conflict.Record `json:"conflicts"`
}

type reviewRequest struct {
	Reviewer string `json:"reviewer,omitempty"`
}

type resolveRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Rationale string          `json:"rationale"`
}

type resolveResponse struct {
	Event      ledger.Event        `json:"event"`
	Annotation conflict.Annotation `json:"annotation"`
	Record     *conflict.Record    `json:"record,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst
// zero-valued; malformed JSON writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Invalid JSON request body")
		return false
	}
	return true
}

// writeDomainError maps domain errors to problem responses in one place.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var vErr *ledger.ValidationError
	var pcErr *evidence.ProofConflictError
	var mmErr *verify.MismatchError
	switch {
	case errors.As(err, &vErr):
		WriteUnprocessable(w, fmt.Sprintf("%s: %s", vErr.Field, vErr.Reason))
	case errors.Is(err, ledger.ErrStreamNotFound):
		WriteNotFound(w, "Stream has no events")
	case errors.Is(err, evidence.ErrBundleNotFound):
		WriteNotFound(w, "No evidence bundle recorded for that digest")
	case errors.Is(err, conflict.ErrRecordNotFound):
		WriteNotFound(w, "Conflict record not found")
	case errors.Is(err, conflict.ErrBadTransition):
		WriteConflict(w, "Conflict record state does not allow that transition")
	case errors.As(err, &pcErr):
		s.logger.Error("conflicting anchor proofs", "error", err)
		WriteConflict(w, "A different anchor proof is already recorded for that event")
	case errors.As(err, &mmErr):
		s.logger.Error("chain divergence detected",
			"stream", mmErr.StreamID, "seq", mmErr.Seq, "reason", mmErr.Reason)
		WriteInternal(w, err)
	case errors.Is(err, ledger.ErrContention):
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
			"The stream is contended, retry shortly")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "chronicle",
	})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	claims, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req appendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 {
		WriteUnprocessable(w, "payload: required")
		return
	}

	origin := ledger.OriginLive
	switch req.Origin {
	case "", string(ledger.OriginLive):
	case string(ledger.OriginSync):
		origin = ledger.OriginSync
	default:
		WriteUnprocessable(w, fmt.Sprintf("origin: must be %q or %q", ledger.OriginLive, ledger.OriginSync))
		return
	}

	clientTime := req.ClientTime
	if clientTime.IsZero() {
		clientTime = time.Now().UTC()
	}

	ctx, finish := s.obs.TrackOperation(r.Context(), observability.OpAppend, observability.AppendAttrs(streamID)...)

	ev, record, err := s.manager.Ingest(ctx, conflict.Submission{
		StreamID:   streamID,
		Payload:    req.Payload,
		ActorRef:   claims.ActorRef(),
		DeviceID:   claims.DeviceFingerprint,
		Origin:     origin,
		SlotKey:    req.SlotKey,
		ClientTime: clientTime,
	})
	if err != nil {
		finish(err)
		s.writeDomainError(w, err)
		return
	}

	bundle, err := s.evidence.Attach(ctx, ev, claims.DeviceFingerprint, claims.Subject, claims.Assurance())
	if err != nil {
		finish(err)
		s.logger.Error("event appended but evidence attach failed",
			"stream", streamID, "seq", ev.Seq, "error", err)
		WriteInternal(w, err)
		return
	}
	finish(nil)

	if record != nil {
		s.logger.Warn("submission joined a conflict",
			"stream", streamID, "slot", ev.SlotKey, "conflict", record.ID, "seqs", record.EventSeqs)
	}

	respondJSON(w, http.StatusCreated, appendResponse{
		Event:        ev,
		Evidence:     bundle,
		Conflict:     record,
		AnchorStatus: anchorPending,
	})
}

func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	var from uint64
	if q := r.URL.Query().Get("from"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			WriteBadRequest(w, "from must be an unsigned integer")
			return
		}
		from = v
	}

	events, err := s.ledger.ReadStream(r.Context(), streamID, from)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, streamResponse{StreamID: streamID, Events: events})
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	seq, head, err := s.store.Head(r.Context(), streamID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, headResponse{StreamID: streamID, Seq: seq, Digest: head})
}

func (s *Server) handleVerifyStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	ctx, finish := s.obs.TrackOperation(r.Context(), observability.OpVerify, observability.VerifyAttrs(streamID)...)

	report, err := s.verifier.VerifyStream(ctx, streamID)
	var mmErr *verify.MismatchError
	switch {
	case err == nil:
		finish(nil)
		respondJSON(w, http.StatusOK, report)
	case errors.As(err, &mmErr):
		// Tampering is a finding, not a request failure: the caller gets
		// the report with the exact divergence point.
		finish(err)
		s.logger.Error("stream verification failed",
			"stream", streamID, "seq", mmErr.Seq, "reason", mmErr.Reason)
		respondJSON(w, http.StatusOK, report)
	default:
		finish(err)
		s.writeDomainError(w, err)
	}
}

func (s *Server) handleAnchorStatus(w http.ResponseWriter, r *http.Request) {
	d, err := digest.Parse(r.PathValue("digest"))
	if err != nil {
		WriteBadRequest(w, "Malformed event digest")
		return
	}

	ctx, finish := s.obs.TrackOperation(r.Context(), observability.OpAnchor,
		observability.AttrEventDigest.String(string(d)))

	bundle, err := s.bundles.BundleByDigest(ctx, d)
	if err != nil {
		finish(err)
		s.writeDomainError(w, err)
		return
	}

	status := anchorPending
	if bundle.Anchored() {
		status = anchorRecorded
		if s.anchors != nil {
			vs, verr := s.anchors.VerifyAnchor(ctx, d)
			switch {
			case verr == nil:
				switch vs {
				case verify.StatusNotYetAnchored:
					status = anchorPending
				case verify.StatusInvalid:
					s.logger.Error("anchor proof failed public verification", "digest", d)
					status = string(vs)
				default:
					status = string(vs)
				}
			case errors.Is(verr, anchor.ErrAnchoringUnavailable):
				// Authority unreachable: the recorded proof stands, just
				// not re-verified on this request.
				s.logger.Warn("timestamp authority unreachable, reporting recorded proof unverified",
					"digest", d, "error", verr)
			default:
				finish(verr)
				s.writeDomainError(w, verr)
				return
			}
		}
	}
	finish(nil)

	respondJSON(w, http.StatusOK, anchorStatusResponse{Bundle: bundle, AnchorStatus: status})
}

func (s *Server) handleProposeAnnotation(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	claims, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req annotateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ann, err := s.manager.ProposeAnnotation(r.Context(), streamID, req.RefSeqs, req.Text, claims.ActorRef())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ann)
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	if r.URL.Query().Get("view") == "combined" {
		view, err := s.manager.CombinedView(r.Context(), streamID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, view)
		return
	}

	anns, err := s.manager.Annotations(r.Context(), streamID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if anns == nil {
		anns = []conflict.Annotation{}
	}
	respondJSON(w, http.StatusOK, annotationsResponse{StreamID: streamID, Annotations: anns})
}

func (s *Server) handleStreamConflicts(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	records, err := s.manager.ConflictsForStream(r.Context(), streamID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []conflict.Record{}
	}
	respondJSON(w, http.StatusOK, conflictsResponse{StreamID: streamID, Conflicts: records})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	ctx, finish := s.obs.TrackOperation(r.Context(), observability.OpExport,
		observability.AttrStreamID.String(streamID))

	// Buffer the archive so a failed export never leaks a partial body.
	var buf bytes.Buffer
	result, err := s.exporter.Export(ctx, streamID, &buf)
	if err != nil {
		finish(err)
		s.writeDomainError(w, err)
		return
	}
	finish(nil)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", streamID+"-evidence.zip"))
	w.Header().Set("X-Chronicle-Archive-Digest", string(result.ArchiveDigest))
	w.Header().Set("Content-Length", strconv.FormatInt(result.Bytes, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleConflict(w http.ResponseWriter, r *http.Request) {
	record, err := s.manager.Conflict(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	claims, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reviewer := req.Reviewer
	if reviewer == "" {
		reviewer = claims.ActorRef()
	}

	record, err := s.manager.AssignReviewer(r.Context(), id, reviewer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	claims, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ev, ann, err := s.manager.Resolve(r.Context(), id, conflict.Resolution{
		Payload:   req.Payload,
		ActorRef:  claims.ActorRef(),
		DeviceID:  claims.DeviceFingerprint,
		Rationale: req.Rationale,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if _, err := s.evidence.Attach(r.Context(), ev, claims.DeviceFingerprint, claims.Subject, claims.Assurance()); err != nil {
		s.logger.Error("resolution appended but evidence attach failed",
			"conflict", id, "seq", ev.Seq, "error", err)
		WriteInternal(w, err)
		return
	}

	resp := resolveResponse{Event: ev, Annotation: ann}
	if record, rerr := s.manager.Conflict(r.Context(), id); rerr == nil {
		resp.Record = &record
	}
	respondJSON(w, http.StatusOK, resp)
}
