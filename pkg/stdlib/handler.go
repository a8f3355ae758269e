// Package stdlib mounts the transfer guard on a net/http mux, for servers
// that use neither Gin nor Echo.
package stdlib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ckb-agents/transferguard"
)

// HandlerOptions is the options for the transfer routes.
type HandlerOptions struct {
	BasePath string
}

// Options is the type for the options for the transfer routes.
type Options func(*HandlerOptions)

// WithBasePath is an option to set the route prefix.
//
// Default: "/v1".
func WithBasePath(basePath string) Options {
	return func(options *HandlerOptions) {
		options.BasePath = basePath
	}
}

type transferBody struct {
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset,omitempty"`
	WindowSeconds int64  `json:"windowSeconds,omitempty"`
}

func (b transferBody) request() transferguard.TransferRequest {
	return transferguard.TransferRequest{
		Recipient: b.Recipient,
		Amount:    b.Amount,
		Asset:     b.Asset,
		Window:    time.Duration(b.WindowSeconds) * time.Second,
	}
}

// Handler returns an http.Handler serving the transfer routes:
//
//	POST {base}/transfers          submit a transfer through the guard
//	POST {base}/transfers/evaluate dry-run the duplicate decision
//
// Duplicates are not errors: they return 200 with duplicate set to true and
// the original transaction hash.
func Handler(guard *transferguard.Guard, opts ...Options) http.Handler {
	options := &HandlerOptions{BasePath: "/v1"}
	for _, opt := range opts {
		opt(options)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+options.BasePath+"/transfers", submitHandler(guard))
	mux.HandleFunc("POST "+options.BasePath+"/transfers/evaluate", evaluateHandler(guard))
	return mux
}

func submitHandler(guard *transferguard.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		outcome, err := guard.Submit(r.Context(), body.request())
		if err != nil {
			status, payload := errorResponse(err)
			writeJSON(w, status, payload)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"txHash":    outcome.TxHash,
			"duplicate": outcome.Duplicate,
		})
	}
}

func evaluateHandler(guard *transferguard.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		decision, err := guard.Evaluate(r.Context(), body.request())
		if err != nil {
			status, payload := errorResponse(err)
			writeJSON(w, status, payload)
			return
		}
		payload := map[string]interface{}{
			"duplicate": decision.Kind == transferguard.DecisionDuplicate,
		}
		if decision.ExistingTxHash != "" {
			payload["txHash"] = decision.ExistingTxHash
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) (transferBody, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "failed to read request body"})
		return transferBody{}, false
	}

	validation := transferguard.ValidateRequestJSON(raw)
	if !validation.Valid {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid request",
			"details": validation.Errors,
		})
		return transferBody{}, false
	}

	var body transferBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "failed to parse request body"})
		return transferBody{}, false
	}
	return body, true
}

func errorResponse(err error) (int, map[string]interface{}) {
	var subErr *transferguard.SubmissionError
	if errors.As(err, &subErr) {
		return http.StatusBadGateway, map[string]interface{}{"error": subErr.Message, "code": subErr.Code}
	}
	var guardErr *transferguard.TransferError
	if errors.As(err, &guardErr) {
		switch guardErr.Code {
		case transferguard.ErrCodeInvalidRequest:
			return http.StatusBadRequest, map[string]interface{}{"error": guardErr.Message, "code": guardErr.Code}
		default:
			return http.StatusInternalServerError, map[string]interface{}{"error": guardErr.Message, "code": guardErr.Code}
		}
	}
	return http.StatusInternalServerError, map[string]interface{}{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
