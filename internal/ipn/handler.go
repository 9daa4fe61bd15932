package ipn

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/formbridge/twocheckout-gateway/internal/common"
	"github.com/formbridge/twocheckout-gateway/internal/signature"
)

// Handler exposes the notification endpoint.
type Handler struct {
	Reconciler *Reconciler
	Logger     zerolog.Logger
}

// Handle receives one processor notification. Settled deliveries get the
// signed read receipt; unmatched ones get a bare 200 without it, which keeps
// the processor redelivering until an entry exists to reconcile against.
// Verification failures and internal errors surface as HTTP errors, the
// latter so the processor retries.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.RenderError(w, common.NewAppError("INVALID_BODY", "unable to read payload", http.StatusBadRequest, err))
		return
	}
	fields, err := signature.ParseForm(string(body))
	if err != nil {
		common.RenderError(w, common.NewAppError("INVALID_BODY", "malformed payload", http.StatusBadRequest, err))
		return
	}

	result, err := h.Reconciler.Process(r.Context(), fields)
	switch {
	case errors.Is(err, ErrInvalidSignature):
		common.RenderError(w, common.NewAppError("INVALID_SIGNATURE", "signature verification failed", http.StatusForbidden, err))
		return
	case err != nil:
		// The digest lets support correlate the failed delivery with the
		// processor's logs without logging the payload itself.
		h.Logger.Error().Err(err).
			Str("outcome", result.Outcome).
			Str("body_sha256", common.Sha256Hex(string(body))).
			Msg("notification processing failed")
		common.RenderError(w, common.NewAppError("IPN_ERROR", "notification could not be processed", http.StatusInternalServerError, err))
		return
	}

	if result.Receipt == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, result.Receipt)
}
