package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/geo"
	"github.com/PayRpc/rpc-sprint/internal/rpc"
)

// handleRPC is the JSON-RPC 2.0 entry point (spec §4.8): a single request
// object or a batch array, dispatched through the router and written back
// in the same shape it arrived in.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, rpc.NewError(nil, rpc.CodeParseError, "failed to read request body", nil))
		return
	}

	isBatch, err := rpc.ParseTopLevel(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, rpc.NewError(nil, rpc.CodeParseError, err.Error(), nil))
		return
	}

	loc := locationFromRequest(c.Request)

	if !isBatch {
		var req rpc.Request
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, rpc.NewError(nil, rpc.CodeParseError, err.Error(), nil))
			return
		}
		if err := rpc.ValidateSingle(&req); err != nil {
			c.JSON(http.StatusBadRequest, rpc.NewError(req.ID, rpc.CodeInvalidRequest, err.Error(), nil))
			return
		}
		if !s.checkMethodRateLimit(c, req.Method) {
			return
		}
		resp := s.router.Route(c.Request.Context(), &req, loc)
		c.JSON(http.StatusOK, resp)
		return
	}

	var reqs []rpc.Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		c.JSON(http.StatusBadRequest, rpc.NewError(nil, rpc.CodeParseError, err.Error(), nil))
		return
	}
	if err := rpc.ValidateBatchSize(len(reqs)); err != nil {
		c.JSON(http.StatusBadRequest, rpc.NewError(nil, rpc.CodeInvalidRequest, err.Error(), nil))
		return
	}
	ptrs := make([]*rpc.Request, len(reqs))
	for i := range reqs {
		ptrs[i] = &reqs[i]
	}
	resps := s.router.RouteBatch(c.Request.Context(), ptrs, loc)
	c.JSON(http.StatusOK, resps)
}

// handleHealth reports whether the proxy itself is up; upstream health is
// exposed separately via /endpoints.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"uptime_s":  time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleEndpoints lists every registered upstream and its live pool state.
func (s *Server) handleEndpoints(c *gin.Context) {
	snapshots := make([]interface{}, 0)
	for _, ep := range s.pool.All() {
		snapshots = append(snapshots, ep.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": snapshots})
}

// handleStats aggregates router, cache, rate limit, and multiplex counters
// for operational visibility.
func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{
		"router": s.router.Stats(),
	}
	if s.cache != nil {
		resp["cache"] = s.cache.Stats()
	}
	if s.limiter != nil {
		resp["rate_limit"] = s.limiter.Stats()
	}
	if s.multiplex != nil {
		resp["websocket"] = s.multiplex.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// handlePrometheus exposes the proxy's Prometheus text format, mounted
// separately from /metrics to keep the simple JSON summary un-versioned.
func (s *Server) handlePrometheus(c *gin.Context) {
	if s.metrics == nil {
		c.Status(http.StatusNotFound)
		return
	}
	s.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades to a multiplexed client connection and runs its read
// loop, dispatching {de,}subscribe requests into the shared Multiplex.
func (s *Server) handleWS(c *gin.Context) {
	socket, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := s.multiplex.Accept(socket)
	if err != nil {
		resp, _ := json.Marshal(errConnLimit())
		_ = socket.WriteMessage(websocket.TextMessage, resp)
		socket.Close()
		return
	}
	defer s.multiplex.Remove(conn.ID)

	ctx := c.Request.Context()
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return
		}

		var req rpc.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			conn.Send(mustMarshal(rpc.NewError(nil, rpc.CodeParseError, err.Error(), nil)))
			continue
		}

		switch {
		case rpc.IsSubscribe(req.Method):
			subID, err := s.multiplex.Subscribe(ctx, conn.ID, req.Method, req.Params, s.multiplex.DialAndSubscribe)
			if err != nil {
				conn.Send(mustMarshal(rpc.NewError(req.ID, rpc.CodeInternalError, err.Error(), nil)))
				continue
			}
			conn.Send(mustMarshal(rpc.NewSuccess(req.ID, subID)))

		case rpc.IsUnsubscribe(req.Method):
			var ids []uint64
			if err := json.Unmarshal(req.Params, &ids); err != nil || len(ids) == 0 {
				conn.Send(mustMarshal(rpc.NewError(req.ID, rpc.CodeInvalidParams, "expected [subscription_id]", nil)))
				continue
			}
			ok := s.multiplex.Unsubscribe(conn.ID, ids[0])
			conn.Send(mustMarshal(rpc.NewSuccess(req.ID, ok)))

		default:
			resp := s.router.Route(ctx, &req, locationFromRequest(c.Request))
			conn.Send(mustMarshal(resp))
		}
	}
}

func errConnLimit() *rpc.Response {
	return rpc.NewError(nil, rpc.CodeConnectionLimitExceeded, "connection limit exceeded", nil)
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal encoding error"}}`)
	}
	return b
}

// locationFromRequest resolves a client's approximate location from
// optional geo headers a CDN or edge proxy would set. The proxy performs no
// GeoIP lookup of its own, matching internal/geo's no-dependency design.
func locationFromRequest(r *http.Request) geo.Location {
	loc := geo.Location{
		Country: r.Header.Get("X-Geo-Country"),
		Region:  r.Header.Get("X-Geo-Region"),
	}
	lat, latErr := strconv.ParseFloat(r.Header.Get("X-Geo-Lat"), 64)
	lon, lonErr := strconv.ParseFloat(r.Header.Get("X-Geo-Lon"), 64)
	if latErr == nil && lonErr == nil {
		loc.Latitude, loc.Longitude, loc.HasCoords = lat, lon, true
	}
	return loc
}
