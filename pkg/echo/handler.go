// Package echo mounts the transfer guard on an Echo router.
package echo

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

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

// Register mounts the transfer routes on the router:
//
//	POST {base}/transfers          submit a transfer through the guard
//	POST {base}/transfers/evaluate dry-run the duplicate decision
//
// Duplicates are not errors: they return 200 with duplicate set to true and
// the original transaction hash.
func Register(router *echo.Echo, guard *transferguard.Guard, opts ...Options) {
	options := &HandlerOptions{BasePath: "/v1"}
	for _, opt := range opts {
		opt(options)
	}

	group := router.Group(options.BasePath)
	group.POST("/transfers", submitHandler(guard))
	group.POST("/transfers/evaluate", evaluateHandler(guard))
}

func submitHandler(guard *transferguard.Guard) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := readBody(c)
		if err != nil {
			return err
		}

		outcome, err := guard.Submit(c.Request().Context(), body.request())
		if err != nil {
			status, payload := errorResponse(err)
			return c.JSON(status, payload)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"txHash":    outcome.TxHash,
			"duplicate": outcome.Duplicate,
		})
	}
}

func evaluateHandler(guard *transferguard.Guard) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := readBody(c)
		if err != nil {
			return err
		}

		decision, err := guard.Evaluate(c.Request().Context(), body.request())
		if err != nil {
			status, payload := errorResponse(err)
			return c.JSON(status, payload)
		}
		payload := map[string]interface{}{
			"duplicate": decision.Kind == transferguard.DecisionDuplicate,
		}
		if decision.ExistingTxHash != "" {
			payload["txHash"] = decision.ExistingTxHash
		}
		return c.JSON(http.StatusOK, payload)
	}
}

func readBody(c echo.Context) (transferBody, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return transferBody{}, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	validation := transferguard.ValidateRequestJSON(raw)
	if !validation.Valid {
		return transferBody{}, echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid request",
			"details": validation.Errors,
		})
	}

	var body transferBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return transferBody{}, echo.NewHTTPError(http.StatusBadRequest, "failed to parse request body")
	}
	return body, nil
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
