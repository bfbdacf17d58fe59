package web

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/activitypub"
	"github.com/deemkeen/federator/domain"
	"github.com/gin-gonic/gin"
)

// inboxHandler applies a verified activity. The personal inbox route passes
// the username from the path, the shared inbox leaves it empty.
func inboxHandler(inbox *activitypub.Inbox, personal bool) gin.HandlerFunc {
	logger := log.WithPrefix("Web")

	return func(c *gin.Context) {
		username := ""
		if personal {
			username = c.Param("username")
		}

		signer := c.GetString(signerKey)
		body, _ := c.Get(bodyKey)
		raw, _ := body.([]byte)

		err := inbox.Handle(c.Request.Context(), signer, raw, username)
		status := inboxStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Inbox failed", "path", c.Request.URL.Path, "signer", signer, "err", err)
		} else if err != nil {
			logger.Warn("Inbox rejected activity", "path", c.Request.URL.Path, "signer", signer, "err", err)
		}

		if err != nil {
			c.JSON(status, gin.H{"error": http.StatusText(status)})
			return
		}
		c.Status(status)
	}
}

func inboxStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, activitypub.ErrActorMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrInvalidActivity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// requireLocalActor answers 404 before the body is read when the path names
// an unknown user
func requireLocalActor(e *activitypub.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := e.Directory.ActorByUsername(c.Request.Context(), c.Param("username")); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
			return
		}
		c.Next()
	}
}
