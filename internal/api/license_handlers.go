package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/pulse-license-gate/internal/logging"
	"github.com/rcourtman/pulse-license-gate/internal/metrics"
	"github.com/rcourtman/pulse-license-gate/internal/replay"
	"github.com/rcourtman/pulse-license-gate/pkg/licensing"
)

const maxRequestBodySize = 1 << 20

// Licenser is the license core the HTTP layer depends on.
type Licenser interface {
	Validate(token string, now time.Time) licensing.Result
	Consume(token string, now time.Time) licensing.ConsumeResult
	Describe(token string, now time.Time) (licensing.Info, error)
	Terms() licensing.Terms
}

type licenseRequest struct {
	LicenseKey string `json:"license_key"`
}

type useResponse struct {
	Valid         bool                 `json:"valid"`
	Message       string               `json:"message"`
	Reason        licensing.DenyReason `json:"reason,omitempty"`
	NewToken      string               `json:"new_token,omitempty"`
	RemainingUses *int64               `json:"remaining_uses,omitempty"`
	Unlimited     bool                 `json:"unlimited,omitempty"`
}

// consumer spends tokens through the core and refuses replays.
type consumer struct {
	licenses  Licenser
	guard     replay.Guard
	replayTTL time.Duration
	now       func() time.Time
}

// consume runs Consume and then claims the spent token. A token that loses
// the claim has its replacement discarded.
func (c *consumer) consume(ctx context.Context, op, token string) (licensing.ConsumeResult, int, string) {
	res := c.licenses.Consume(token, c.now())
	recordOutcome(ctx, op, res.Err)
	if !res.Valid {
		return res, http.StatusUnauthorized, CodeLicenseInvalid
	}

	first, err := c.guard.Use(ctx, replay.KindConsume, replay.Fingerprint(token), c.replayTTL)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).Str("operation", op).Msg("Replay guard failed, refusing consume")
		return licensing.ConsumeResult{Message: "license service unavailable"}, http.StatusServiceUnavailable, CodeGuardUnavailable
	}
	if !first {
		metrics.RecordReplayRejection()
		logger := logging.FromContext(ctx)
		logger.Warn().Str("operation", op).Str("subject", res.SubjectID).Msg("Rejected replayed license token")
		return licensing.ConsumeResult{Message: "license token already used"}, http.StatusConflict, CodeLicenseReplayed
	}

	logger := logging.FromContext(ctx)
	logger.Info().
		Str("operation", op).
		Str("subject", res.SubjectID).
		Int64("remaining_uses", res.RemainingUses).
		Msg("License use recorded")
	return res, http.StatusOK, ""
}

// recordOutcome counts a core result and logs the hidden cause of failures.
func recordOutcome(ctx context.Context, op string, err error) {
	kind := licensing.FailureKind(err)
	switch kind {
	case "":
		metrics.RecordDecision(op, metrics.OutcomeAllowed, "")
		return
	case "policy":
		var deny *licensing.PolicyDenyError
		reason := ""
		if errors.As(err, &deny) {
			reason = string(deny.Reason)
		}
		metrics.RecordDecision(op, metrics.OutcomeDenied, reason)
	case "internal":
		metrics.RecordDecision(op, metrics.OutcomeError, "")
	default:
		metrics.RecordDecodeFailure(kind)
		metrics.RecordDecision(op, metrics.OutcomeInvalid, kind)
	}

	logger := logging.FromContext(ctx)
	logger.Debug().Err(err).Str("operation", op).Str("kind", kind).Msg("License check failed")
}

// LicenseHandlers serves the license API.
type LicenseHandlers struct {
	*consumer
}

// NewLicenseHandlers creates the license API handlers.
func NewLicenseHandlers(licenses Licenser, guard replay.Guard, replayTTL time.Duration, now func() time.Time) *LicenseHandlers {
	if guard == nil {
		guard = replay.Noop{}
	}
	if now == nil {
		now = time.Now
	}
	return &LicenseHandlers{consumer: &consumer{
		licenses:  licenses,
		guard:     guard,
		replayTTL: replayTTL,
		now:       now,
	}}
}

// readLicenseKey decodes {"license_key": "..."} and writes a 400 when the
// body is unusable or the key is empty.
func readLicenseKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req licenseRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "Request body too large", nil)
			return "", false
		}
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", nil)
		return "", false
	}
	key := strings.TrimSpace(req.LicenseKey)
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, CodeLicenseRequired, licensing.MessageKeyRequired, nil)
		return "", false
	}
	return key, true
}

// HandleValidate handles POST /license/validate
func (h *LicenseHandlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	key, ok := readLicenseKey(w, r)
	if !ok {
		return
	}

	res := h.licenses.Validate(key, h.now())
	recordOutcome(r.Context(), "validate", res.Err)
	if !res.Valid {
		writeJSON(w, http.StatusUnauthorized, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleUse handles POST /license/use
// Spends one use and returns the replacement token, which the caller must keep.
func (h *LicenseHandlers) HandleUse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	key, ok := readLicenseKey(w, r)
	if !ok {
		return
	}

	res, status, code := h.consume(r.Context(), "use", key)
	switch status {
	case http.StatusOK:
		remaining := res.RemainingUses
		writeJSON(w, status, useResponse{
			Valid:         true,
			Message:       res.Message,
			NewToken:      res.Token,
			RemainingUses: &remaining,
			Unlimited:     res.Unlimited,
		})
	case http.StatusUnauthorized:
		writeJSON(w, status, useResponse{Message: res.Message, Reason: res.Reason})
	default:
		writeErrorResponse(w, status, code, res.Message, nil)
	}
}

// HandleInfo handles POST /license/info
func (h *LicenseHandlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	key, ok := readLicenseKey(w, r)
	if !ok {
		return
	}

	info, err := h.licenses.Describe(key, h.now())
	recordOutcome(r.Context(), "info", err)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeLicenseInvalid, licensing.PublicMessage(err), nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleConfig handles GET /license/config
func (h *LicenseHandlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, h.licenses.Terms())
}

// HandleHealth handles GET /healthz
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func formatRemaining(n int64) string {
	return strconv.FormatInt(n, 10)
}
