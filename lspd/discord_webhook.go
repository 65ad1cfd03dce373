package lspd

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// discord expects the initial response within 3 seconds
	webhookResponseTimeout = 3 * time.Second

	webhookRequestRate  = 50
	webhookRequestBurst = 100
)

// DiscordWebhookServer receives interactions over HTTP, as an
// alternative to the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		if d.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, d.httpServer.TLSConfig)
		} else {
			d.logger.WarnContext(ctx, "starting webhook server without TLS")
		}
		d.listener = ln
	}
	d.logger.InfoContext(ctx, "serving discord webhook", "addr", d.listener.Addr().String())
	return d.httpServer.Serve(d.listener)
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	r := gin.New()
	srv := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newComponentLogger("discord_webhook", config.LogLevel),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	srv.httpServer = httpServer

	if !b.config.API.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(srv.logger),
		rateLimitMiddleware(rate.NewLimiter(webhookRequestRate, webhookRequestBurst)),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			b.webhookInteractionHandler(c)
		},
	)
	return srv, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body. Follow-up
// edits go through the embedded handler, which uses the REST API.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	once       *sync.Once
	responded  chan struct{}
	InteractionHandler
}

func newWebhookHandler(c *gin.Context, h InteractionHandler) WebhookHandler {
	return WebhookHandler{
		ginContext:         c,
		once:               &sync.Once{},
		responded:          make(chan struct{}),
		InteractionHandler: h,
	}
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes the response as the HTTP response body. Only the first
// call writes, later calls go out over the REST API.
func (w WebhookHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	first := false
	w.once.Do(
		func() {
			first = true
			w.ginContext.JSON(http.StatusOK, response)
			close(w.responded)
		},
	)
	if first {
		return nil
	}
	return w.InteractionHandler.Respond(ctx, response)
}

// webhookReceiveHandler returns a [gin.Handler] for handling Discord webhook
// interactions. The interaction is handled in the background, and the
// request returns once the initial response has been written, or when
// discord would stop waiting for one.
func webhookReceiveHandler(
	ctx context.Context,
	b *Bot,
	runtimeWG *sync.WaitGroup,
) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction
		handler := newWebhookHandler(c, b.getInteractionHandlerFunc(runCtx, i))

		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			b.handleInteraction(runCtx, handler)
		}()

		timer := time.NewTimer(webhookResponseTimeout)
		defer timer.Stop()
		select {
		case <-handler.responded:
		case <-timer.C:
			handler.once.Do(
				func() {
					logger.WarnContext(runCtx, "interaction not answered in time")
					c.JSON(http.StatusAccepted, httpError{Error: "no response"})
				},
			)
		case <-c.Request.Context().Done():
			handler.once.Do(func() {})
		}
	}
}

// rateLimitMiddleware rejects requests with HTTP 429 when the limiter
// has no tokens available
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			ginContextLogger(c).Warn("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}
		c.Next()
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).Warn("invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the ed25519 signature of a Discord webhook
// request, computed over the timestamp header and the body. The body is
// restored, so it can be read again by the handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()
	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
