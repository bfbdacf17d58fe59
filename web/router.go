package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/activitypub"
	"github.com/deemkeen/federator/domain"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	activityJSON = "application/activity+json; charset=utf-8"
	maxBodySize  = 1 * 1024 * 1024
)

// limiters returned alongside the router so the caller can prune them
type limiters struct {
	global *RateLimiter
	ap     *RateLimiter
}

// NewRouter builds the HTTP surface of the engine: actor documents,
// webfinger and the signed inbox endpoints
func NewRouter(e *activitypub.Engine) *gin.Engine {
	g, _ := newRouter(e)
	return g
}

func newRouter(e *activitypub.Engine) (*gin.Engine, limiters) {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 requests per second per IP, burst of 20
	l := limiters{
		global: NewRateLimiter(rate.Limit(10), 20),
		ap:     NewRateLimiter(rate.Limit(5), 10),
	}
	g.Use(RateLimitMiddleware(l.global))

	g.GET("/users/:username", func(c *gin.Context) {
		doc, err := GetActor(c.Request.Context(), e, c.Param("username"))
		renderDocument(c, activityJSON, doc, err, []byte(`{}`))
	})

	g.GET("/users/:username/followers", func(c *gin.Context) {
		doc, err := GetFollowers(c.Request.Context(), e, c.Param("username"))
		renderDocument(c, activityJSON, doc, err, []byte(`{}`))
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		doc, err := GetWebfinger(c.Request.Context(), e, c.Query("resource"))
		renderDocument(c, "application/jrd+json; charset=utf-8", doc, err, GetWebFingerNotFound())
	})

	if e.Conf.Conf.WithInbox {
		inbox := activitypub.NewInbox(e)
		apLimit := RateLimitMiddleware(l.ap)
		maxBytes := MaxBytesMiddleware(maxBodySize)
		verify := VerifySignature(e.Verifier)

		g.POST("/inbox", apLimit, maxBytes, verify, inboxHandler(inbox, false))
		g.POST("/users/:username/inbox", apLimit, requireLocalActor(e), maxBytes, verify, inboxHandler(inbox, true))
	}

	return g, l
}

func renderDocument(c *gin.Context, contentType string, doc []byte, err error, notFound []byte) {
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.Data(http.StatusNotFound, contentType, notFound)
			return
		}
		log.WithPrefix("Web").Error("Rendering failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
		return
	}
	c.Data(http.StatusOK, contentType, doc)
}

// Router serves the engine until ctx is cancelled, then shuts down
// gracefully
func Router(ctx context.Context, e *activitypub.Engine) error {
	logger := log.WithPrefix("Web")

	g, l := newRouter(e)
	go l.global.Cleanup(ctx)
	go l.ap.Cleanup(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", e.Conf.Conf.Host, e.Conf.Conf.HttpPort),
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting federation server", "addr", srv.Addr, "domain", e.Conf.Conf.SslDomain, "inbox", e.Conf.Conf.WithInbox)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("Shutting down federation server")
	return srv.Shutdown(shutdownCtx)
}
