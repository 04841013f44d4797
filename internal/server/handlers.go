package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vidgate/vidgate/internal/envelope"
	"github.com/vidgate/vidgate/internal/facilitator"
	"github.com/vidgate/vidgate/internal/logging"
	"github.com/vidgate/vidgate/internal/metrics"
	"github.com/vidgate/vidgate/internal/requirement"
	"github.com/vidgate/vidgate/internal/stream"
	"github.com/vidgate/vidgate/internal/validation"
)

// PaymentRequiredResponse is the 402 body advertising how to pay.
type PaymentRequiredResponse struct {
	X402Version int                       `json:"x402Version"`
	Accepts     []requirement.Requirement `json:"accepts"`
	Error       string                    `json:"error,omitempty"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Vidgate",
		"description": "x402 access gateway for paid video segments",
		"version":     "0.1.0",
		"network":     s.cfg.Network,
		"scheme":      s.cfg.Scheme,
		"pay_to":      s.cfg.PayTo,
		"endpoints": gin.H{
			"stream":   "/stream/:filename",
			"tab":      "/tab",
			"receipts": "/v1/receipts",
			"health":   "/health",
			"metrics":  "/metrics",
		},
	})
}

// streamHandler gates a media segment behind an x402 payment. Requests
// without a payment header get the offer catalog back with a 402; requests
// whose settlement fails get the same catalog plus the failure reason.
func (s *Server) streamHandler(c *gin.Context) {
	filename := c.Param("filename")
	resource := s.cfg.AdvertisedURL + "/stream/" + filename
	tabEndpoint := s.cfg.AdvertisedURL + "/tab"

	offersV1 := requirement.Build(s.terms, s.price, tabEndpoint, resource)
	offersV2 := requirement.BuildV2(s.terms, s.price, tabEndpoint, resource)

	header := c.GetHeader("X-Payment")
	if header == "" {
		metrics.PaymentRequiredTotal.Inc()
		c.JSON(http.StatusPaymentRequired, PaymentRequiredResponse{
			X402Version: 1,
			Accepts:     offersV1,
		})
		return
	}
	if len(header) > validation.MaxHeaderLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_header",
			"message": "payment header exceeds maximum length",
		})
		return
	}

	start := time.Now()
	err := s.settler.Settle(c.Request.Context(), header, offersV1, offersV2)
	metrics.ObserveSettlement(peekScheme(header), err == nil, time.Since(start))

	if err != nil {
		logging.L(c.Request.Context()).Warn("settlement failed",
			"resource", resource,
			"error", err,
		)
		c.JSON(http.StatusPaymentRequired, PaymentRequiredResponse{
			X402Version: 1,
			Accepts:     offersV1,
			Error:       fmt.Sprintf("Payment settlement failed: %v", err),
		})
		return
	}

	s.serveSegment(c, filename)
}

// serveSegment streams the verified file to the client. With a remote
// media origin configured the segment is proxied from there instead of
// read from disk.
func (s *Server) serveSegment(c *gin.Context, filename string) {
	var (
		seg *stream.Segment
		err error
	)
	if s.cfg.RemoteMediaURL != "" {
		seg, err = s.resolver.OpenRemote(c.Request.Context(),
			strings.TrimSuffix(s.cfg.RemoteMediaURL, "/")+"/"+filename)
	} else {
		seg, err = s.resolver.Open(filename)
	}
	if err != nil {
		status, message := segmentErrorResponse(err)
		if status >= http.StatusInternalServerError {
			logging.L(c.Request.Context()).Error("failed to open segment",
				"filename", filename,
				"error", err,
			)
		}
		c.JSON(status, gin.H{"error": message})
		return
	}
	defer seg.Reader.Close()

	metrics.SegmentsStreamedTotal.Inc()
	c.DataFromReader(http.StatusOK, seg.Size, seg.ContentType, seg.Reader, nil)
}

func segmentErrorResponse(err error) (int, string) {
	var notFound *stream.NotFoundError
	var notAFile *stream.NotAFileError
	var remote *stream.RemoteError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, "File not found"
	case errors.As(err, &notAFile):
		return http.StatusBadRequest, "Not a file"
	case errors.Is(err, stream.ErrAccessDenied):
		return http.StatusForbidden, "Access denied"
	case errors.As(err, &remote):
		return http.StatusBadGateway, "Failed to fetch remote file"
	default:
		return http.StatusInternalServerError, "Failed to read file"
	}
}

// peekScheme extracts the scheme label for metrics without failing the
// request when the header is malformed.
func peekScheme(header string) string {
	env, err := envelope.Decode(header)
	if err != nil {
		return "invalid"
	}
	return env.Scheme
}

// tabHandler opens a credit tab for a payer via the facilitator. The tab
// endpoint is advertised inside credit-scheme offers so clients know where
// to establish credit before paying.
func (s *Server) tabHandler(c *gin.Context) {
	var req facilitator.TabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	req.UserAddress = validation.SanitizeAddress(req.UserAddress)
	if errs := validation.Validate(
		validation.Required("userAddress", req.UserAddress),
		validation.ValidAddress("userAddress", req.UserAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}
	if req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "ttlSeconds must not be negative",
		})
		return
	}

	if req.RecipientAddress == "" {
		req.RecipientAddress = s.cfg.PayTo
	}
	if req.ERC20Token == "" {
		req.ERC20Token = s.cfg.Asset
	}
	if req.TTLSeconds == 0 {
		req.TTLSeconds = int64(s.cfg.TabRequestTTL / time.Second)
	}

	if s.facilitator == nil {
		// No facilitator wired (test mode); acknowledge without opening.
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}

	tab, err := s.facilitator.RequestTab(c.Request.Context(), &req)
	if err != nil {
		logging.L(c.Request.Context()).Error("tab request failed",
			"user", req.UserAddress,
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "tab_unavailable",
			"message": "Failed to open tab with facilitator",
		})
		return
	}

	c.JSON(http.StatusOK, tab)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
