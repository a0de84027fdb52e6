package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"vanish/pkg/domain"
	"vanish/svc/svc"
	"vanish/svc/util"
)

type Hdl struct {
	ingest     *svc.Ingestor
	retrieve   *svc.Retriever
	challenges ChallengeIssuer
}

func (h *Hdl) GetChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := h.challenges.Issue(r.Context())
	if errors.Is(err, domain.ErrChallengeDisabled) {
		json.NewEncoder(w).Encode(domain.ChallengeResp{Required: false})
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to issue challenge")
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(domain.ChallengeResp{
		Required:   true,
		Token:      c.Token,
		Difficulty: c.Difficulty,
		ExpiresAt:  c.ExpiresAt.Unix(),
	})
}

// errMalformedBody is surfaced by the ingestor as invalid_json once the rate
// limit has been charged.
var errMalformedBody = errors.New("unsupported request body encoding")

type malformedBody struct{}

func (malformedBody) Read([]byte) (int, error) { return 0, errMalformedBody }

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	var body io.Reader = r.Body
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			log.Warn().Str("content_type", ct).Msg("invalid Content-Type header")
			body = malformedBody{}
		}
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		body = malformedBody{}
	}
	resp, err := h.ingest.Create(r.Context(), clientKey(r), body)
	if err != nil {
		if domain.Status(err) >= 500 {
			log.Error().Err(err).Msg("failed to create paste")
		} else {
			log.Info().
				Str("reason", domain.ToResp(err).Error).
				Str("client", clientLogID(r)).
				Msg("create rejected")
		}
		writeErr(w, r, err)
		return
	}
	log.Info().Str("paste_id", resp.ID).Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	w.Header().Set("Cache-Control", "no-store")
	view, err := h.retrieve.Read(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrPasteNotFound) {
			hlog.FromRequest(r).Error().Err(err).Msg("failed to read paste")
		}
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := r.Header.Get("X-Deletion-Token")
	if err := h.retrieve.Delete(r.Context(), id, token); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			hlog.FromRequest(r).Warn().
				Str("paste_id", id).
				Str("token", util.RedactToken(token)).
				Msg("deletion refused")
		} else {
			hlog.FromRequest(r).Error().Err(err).Str("paste_id", id).Msg("failed to delete paste")
		}
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

// writeErr reports err in the wire error shape. Internal details stay in the
// logs; the client only sees the reason code.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	status := domain.Status(err)
	resp := domain.ToResp(err)
	resp.RequestID = requestID
	if status >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
