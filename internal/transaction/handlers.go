package transaction

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/formbridge/twocheckout-gateway/internal/common"
	"github.com/formbridge/twocheckout-gateway/internal/forms"
)

// Handler exposes the submission and 3DS-return endpoints.
type Handler struct {
	Orchestrator *Orchestrator
	Config       forms.ConfigStore
	Entries      forms.EntryStore
	Logger       zerolog.Logger
}

type lineItemReq struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

type discountReq struct {
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

type submissionReq struct {
	CardholderName string            `json:"cardholderName"`
	CardToken      string            `json:"cardToken"`
	PaymentAmount  float64           `json:"paymentAmount"`
	SetupFee       float64           `json:"setupFee,omitempty"`
	LineItems      []lineItemReq     `json:"lineItems,omitempty"`
	Discounts      []discountReq     `json:"discounts,omitempty"`
	FieldValues    map[string]string `json:"fieldValues"`
}

type submissionResp struct {
	EntryID       string  `json:"entryId"`
	PaymentStatus string  `json:"paymentStatus"`
	TransactionID string  `json:"transactionId,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	RedirectURL   string  `json:"redirectUrl,omitempty"`
}

// Submit processes one paid form submission end to end.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	formID := strings.TrimSpace(chi.URLParam(r, "formID"))
	if formID == "" {
		common.RenderError(w, common.NewAppError("BAD_REQUEST", "form id is required", http.StatusBadRequest, nil))
		return
	}
	form, err := h.Config.GetForm(r.Context(), formID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) {
			common.RenderError(w, common.NewAppError("FORM_NOT_FOUND", "form not found", http.StatusNotFound, err))
			return
		}
		h.Logger.Error().Err(err).Str("form_id", formID).Msg("load form")
		common.RenderError(w, common.NewAppError("CONFIG_ERROR", "form configuration unavailable", http.StatusInternalServerError, err))
		return
	}
	feed, err := h.Config.GetFeed(r.Context(), formID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) {
			common.RenderError(w, common.NewAppError("FEED_NOT_FOUND", "no payment feed configured for form", http.StatusNotFound, err))
			return
		}
		h.Logger.Error().Err(err).Str("form_id", formID).Msg("load feed")
		common.RenderError(w, common.NewAppError("CONFIG_ERROR", "form configuration unavailable", http.StatusInternalServerError, err))
		return
	}

	var req submissionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RenderError(w, common.NewAppError("BAD_REQUEST", "invalid body", http.StatusBadRequest, err))
		return
	}

	entry := &forms.Entry{ID: uuid.NewString(), FormID: formID}
	if err := h.Entries.Create(r.Context(), entry); err != nil {
		h.Logger.Error().Err(err).Str("form_id", formID).Msg("create entry")
		common.RenderError(w, common.NewAppError("ENTRY_ERROR", "unable to record submission", http.StatusInternalServerError, err))
		return
	}

	outcome := h.Orchestrator.ProcessSubmission(r.Context(), *form, *feed, entry, submissionData(req))
	if outcome.Status == forms.StatusFailed {
		if outcome.Field != "" {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", outcome.ErrorMessage, outcome.Field)
			return
		}
		common.JSONError(w, http.StatusPaymentRequired, "PAYMENT_FAILED", outcome.ErrorMessage, "")
		return
	}

	common.JSON(w, http.StatusCreated, submissionResp{
		EntryID:       outcome.EntryID,
		PaymentStatus: string(outcome.Status),
		TransactionID: outcome.TransactionID,
		Amount:        outcome.Amount,
		RedirectURL:   outcome.RedirectURL,
	})
}

// Resume handles the browser coming back from the 3DS challenge.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get(NonceParam)
	entry, err := h.Orchestrator.ResumeThreeDS(r.Context(), nonce)
	if err != nil {
		if errors.Is(err, forms.ErrEntryNotFound) {
			common.RenderError(w, common.NewAppError("UNKNOWN_NONCE", "no pending payment matches this return", http.StatusNotFound, err))
			return
		}
		h.Logger.Error().Err(err).Msg("3DS resume")
		common.RenderError(w, common.NewAppError("RESUME_ERROR", "unable to resume payment", http.StatusInternalServerError, err))
		return
	}
	common.JSON(w, http.StatusOK, entryState(entry))
}

// Cancel handles the browser coming back from an abandoned 3DS challenge.
// The entry is reported as-is: the authorization may still settle or expire
// on the processor side, so nothing transitions here.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get(NonceParam)
	entry, err := h.Orchestrator.CancelThreeDS(r.Context(), nonce)
	if err != nil {
		if errors.Is(err, forms.ErrEntryNotFound) {
			common.RenderError(w, common.NewAppError("UNKNOWN_NONCE", "no pending payment matches this return", http.StatusNotFound, err))
			return
		}
		h.Logger.Error().Err(err).Msg("3DS cancel")
		common.RenderError(w, common.NewAppError("RESUME_ERROR", "unable to look up payment", http.StatusInternalServerError, err))
		return
	}
	common.JSON(w, http.StatusOK, entryState(entry))
}

func entryState(entry *forms.Entry) submissionResp {
	return submissionResp{
		EntryID:       entry.ID,
		PaymentStatus: string(entry.PaymentStatus),
		TransactionID: entry.TransactionID,
		Amount:        entry.PaymentAmount,
	}
}

func submissionData(req submissionReq) forms.SubmissionData {
	sub := forms.SubmissionData{
		CardholderName: req.CardholderName,
		CardToken:      req.CardToken,
		PaymentAmount:  req.PaymentAmount,
		SetupFee:       req.SetupFee,
		FieldValues:    req.FieldValues,
	}
	for _, li := range req.LineItems {
		sub.LineItems = append(sub.LineItems, forms.LineItem{
			Name: li.Name, Description: li.Description, Quantity: li.Quantity, UnitPrice: li.UnitPrice,
		})
	}
	for _, d := range req.Discounts {
		sub.Discounts = append(sub.Discounts, forms.Discount{
			Name: d.Name, Quantity: d.Quantity, UnitPrice: d.UnitPrice,
		})
	}
	return sub
}
