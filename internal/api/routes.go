package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/auth"
	"github.com/satriahrh/callbridge/internal/websocket"
)

const serviceName = "callbridge"

// CallRecords serves stored call summaries
type CallRecords interface {
	RecentCalls(ctx context.Context, limit int) ([]*entities.CallRecord, error)
	CallHistory(ctx context.Context, callID string) ([]*entities.CallRecord, error)
}

// Dependencies are the collaborators the routes need. Tokens may be nil
// to accept websocket connections without a token.
type Dependencies struct {
	Hub      *websocket.Hub
	Records  CallRecords
	Tokens   *auth.TokenAuthenticator
	Provider string
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	health := func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:      "ok",
			Service:     serviceName,
			Provider:    deps.Provider,
			ActiveCalls: deps.Hub.Count(),
			Timestamp:   time.Now().UTC(),
		})
	}
	e.GET("/", health)
	e.GET("/health", health)
	e.GET("/ping", health)

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/calls", func(c echo.Context) error {
		return c.JSON(http.StatusOK, websocket.NewCallsResponse(deps.Hub.Snapshot()))
	})
	v1.DELETE("/calls/:id", func(c echo.Context) error {
		if !deps.Hub.Cancel(c.Param("id")) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "call_not_found",
				Message: "No active call with this connection id",
			})
		}
		return c.NoContent(http.StatusAccepted)
	})
	v1.GET("/calls/history", func(c echo.Context) error {
		return recentCalls(c, deps.Records, logger)
	})
	v1.GET("/calls/:id/history", func(c echo.Context) error {
		return callHistory(c, deps.Records, logger)
	})

	// WebSocket endpoint for the carrier audio stream
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(deps.Hub, deps.Tokens, c, logger)
	})
}

func recentCalls(c echo.Context, records CallRecords, logger *zap.Logger) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be between 1 and 500",
			})
		}
		limit = n
	}

	calls, err := records.RecentCalls(c.Request().Context(), limit)
	if err != nil {
		logger.Error("Failed to list call records", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list call records",
		})
	}
	return c.JSON(http.StatusOK, calls)
}

func callHistory(c echo.Context, records CallRecords, logger *zap.Logger) error {
	callID := c.Param("id")
	calls, err := records.CallHistory(c.Request().Context(), callID)
	if errors.Is(err, repositories.ErrCallRecordNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "call_not_found",
			Message: "No records for this call id",
		})
	}
	if err != nil {
		logger.Error("Failed to get call records", zap.String("callID", callID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to get call records",
		})
	}
	return c.JSON(http.StatusOK, calls)
}

// websocketWithAuth validates the optional connection token and hands the
// upgrade to the hub
func websocketWithAuth(hub *websocket.Hub, tokens *auth.TokenAuthenticator, c echo.Context, logger *zap.Logger) error {
	hints := websocket.HintsFromRequest(c.Request())

	if tokens != nil {
		token := bearerToken(c.Request())
		if token == "" {
			logger.Warn("WebSocket connection rejected: missing token")
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "Connection token is required",
			})
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired connection token",
			})
		}

		// Signed claims take precedence over headers.
		hints = claims.Hints().Merge(hints)
	}

	return websocket.HandleWebSocket(hub, c, hints, logger)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
