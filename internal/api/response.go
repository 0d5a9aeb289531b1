package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/Bidon15/nsigner"
)

var statusByCode = map[string]int{
	nsigner.CodeSignerLocked:     http.StatusLocked,
	nsigner.CodeWrongPassphrase:  http.StatusUnauthorized,
	nsigner.CodeKeyNotFound:      http.StatusNotFound,
	nsigner.CodeNotFound:         http.StatusNotFound,
	nsigner.CodePermissionDenied: http.StatusForbidden,
	nsigner.CodeRequestTimedOut:  http.StatusRequestTimeout,
	nsigner.CodeInvalidKeyFormat: http.StatusBadRequest,
	nsigner.CodeMalformedRequest: http.StatusBadRequest,
	nsigner.CodeConflict:         http.StatusConflict,
	nsigner.CodeAlreadyResolved:  http.StatusConflict,
	nsigner.CodeCryptoError:      http.StatusUnprocessableEntity,
	nsigner.CodeRelayUnavailable: http.StatusServiceUnavailable,
}

// respondError writes err with the status matching its nsigner code.
// Internal errors hide their message.
func respondError(c *gin.Context, err error) {
	code := nsigner.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   nsigner.CodeInternal,
			Message: "internal error",
		})
		return
	}
	resp := ErrorResponse{Error: code, Message: err.Error()}
	var ve *nsigner.ValidationError
	if errors.As(err, &ve) {
		resp.Fields = map[string]string{ve.Field: ve.Message}
	}
	c.JSON(status, resp)
}

// bind decodes and validates the JSON body. It writes the error response
// itself and reports whether the handler may continue.
func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	// An empty body leaves the zero value for validation.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   nsigner.CodeMalformedRequest,
				Message: fmt.Sprintf("failed to parse request: %v", err),
			})
			return false
		}
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			respondError(c, err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[jsonField(fe)] = fe.Tag()
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   nsigner.CodeMalformedRequest,
			Message: "validation failed",
			Fields:  fields,
		})
		return false
	}
	return true
}

// jsonField drops the request type name from the field namespace.
func jsonField(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}
