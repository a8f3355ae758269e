// Package gin mounts the transfer guard on a Gin router.
package gin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

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
func Register(router gin.IRouter, guard *transferguard.Guard, opts ...Options) {
	options := &HandlerOptions{BasePath: "/v1"}
	for _, opt := range opts {
		opt(options)
	}

	group := router.Group(options.BasePath)
	group.POST("/transfers", submitHandler(guard))
	group.POST("/transfers/evaluate", evaluateHandler(guard))
}

func submitHandler(guard *transferguard.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}

		outcome, err := guard.Submit(c.Request.Context(), body.request())
		if err != nil {
			status, payload := errorResponse(err)
			c.JSON(status, payload)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"txHash":    outcome.TxHash,
			"duplicate": outcome.Duplicate,
		})
	}
}

func evaluateHandler(guard *transferguard.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}

		decision, err := guard.Evaluate(c.Request.Context(), body.request())
		if err != nil {
			status, payload := errorResponse(err)
			c.JSON(status, payload)
			return
		}
		payload := gin.H{"duplicate": decision.Kind == transferguard.DecisionDuplicate}
		if decision.ExistingTxHash != "" {
			payload["txHash"] = decision.ExistingTxHash
		}
		c.JSON(http.StatusOK, payload)
	}
}

func readBody(c *gin.Context) (transferBody, bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return transferBody{}, false
	}

	validation := transferguard.ValidateRequestJSON(raw)
	if !validation.Valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": validation.Errors})
		return transferBody{}, false
	}

	var body transferBody
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to parse request body"})
		return transferBody{}, false
	}
	return body, true
}

func errorResponse(err error) (int, gin.H) {
	var subErr *transferguard.SubmissionError
	if errors.As(err, &subErr) {
		return http.StatusBadGateway, gin.H{"error": subErr.Message, "code": subErr.Code}
	}
	var guardErr *transferguard.TransferError
	if errors.As(err, &guardErr) {
		switch guardErr.Code {
		case transferguard.ErrCodeInvalidRequest:
			return http.StatusBadRequest, gin.H{"error": guardErr.Message, "code": guardErr.Code}
		default:
			return http.StatusInternalServerError, gin.H{"error": guardErr.Message, "code": guardErr.Code}
		}
	}
	return http.StatusInternalServerError, gin.H{"error": err.Error()}
}
