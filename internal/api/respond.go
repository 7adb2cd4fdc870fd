package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/panelyard/internal/apperr"
)

// ok writes {"success": true, key: value}.
func ok(c *gin.Context, status int, key string, value any) {
	c.JSON(status, gin.H{"success": true, key: value})
}

// fail writes the error envelope with the status mapped from err's code.
func fail(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": msg},
	})
}

// badRequest reports a malformed body or query.
func badRequest(c *gin.Context, err error) {
	fail(c, apperr.InvalidInput("invalid request: %v", err))
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidState, apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	case apperr.CodeAnalyzerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
