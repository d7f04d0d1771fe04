package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/bus"
	"github.com/extmesh/extmesh/internal/shared/types"
	"github.com/extmesh/extmesh/internal/vault"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Peers connect from extension-scheme origins the browser refuses
		// to expose; origin checks happen at the envelope layer instead.
		return true
	},
}

func (s *Server) health(c *gin.Context) {
	busReady := s.bus != nil && s.bus.State() == bus.StateReady
	status := http.StatusOK
	if !busReady {
		status = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":    "ok",
		"bus_ready": busReady,
		"timestamp": time.Now().Unix(),
	}
	if s.hub != nil {
		body["peers"] = s.hub.ConnCount()
	}
	if s.rules != nil {
		body["active_rule_sets"] = s.rules.ActiveCount()
	}
	if s.recovery != nil {
		body["restart_count"] = s.recovery.RestartCount()
		body["healthy"] = s.recovery.Healthy()
	}
	if !busReady {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// attach upgrades a peer connection and blocks reading frames into the hub
// until the peer goes away.
func (s *Server) attach(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("Peer attach failed", zap.Error(err))
		return
	}
	peerID := uuid.New().String()
	s.log.Info("Peer attached",
		zap.String("peer_id", peerID),
		zap.String("remote", conn.RemoteAddr().String()))
	s.hub.Attach(conn)
	s.log.Info("Peer detached", zap.String("peer_id", peerID))
}

// observe reports one outgoing request. Always 202: the decision to
// activate is made off this request's critical path.
func (s *Server) observe(c *gin.Context) {
	var req types.ObservedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid observed request"})
		return
	}
	if req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	s.rules.Observe(req)
	c.Status(http.StatusAccepted)
}

func (s *Server) tabClosed(c *gin.Context) {
	tab, err := strconv.Atoi(c.Param("tab"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tab id"})
		return
	}
	s.rules.HandleTabClosed(c.Request.Context(), tab)
	c.Status(http.StatusNoContent)
}

// shutdownHint is the best-effort teardown hook from the host. The process
// may die before or instead of this; recovery tolerates both.
func (s *Server) shutdownHint(c *gin.Context) {
	if err := s.recovery.MarkShutdown(); err != nil {
		s.log.Warn("Shutdown bookkeeping failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bookkeeping failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listRules(c *gin.Context) {
	sets := s.rules.ActiveSets()
	c.JSON(http.StatusOK, gin.H{
		"count": len(sets),
		"sets":  sets,
	})
}

func (s *Server) activate(c *gin.Context) {
	provider := c.Param("provider")
	tab, err := strconv.Atoi(c.Param("tab"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tab id"})
		return
	}
	if _, ok := s.registry.Provider(provider); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	if err := s.rules.Activate(c.Request.Context(), provider, tab); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	set, ok := s.rules.ActiveSet(provider, tab)
	if !ok {
		// Skipped: no usable credential. Not an error, nothing installed.
		c.JSON(http.StatusOK, gin.H{"installed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"installed": true, "set": set})
}

func (s *Server) deactivate(c *gin.Context) {
	provider := c.Param("provider")
	tab, err := strconv.Atoi(c.Param("tab"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tab id"})
		return
	}
	if err := s.rules.Deactivate(c.Request.Context(), provider, tab); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hosts":     s.registry.Hosts(),
		"endpoints": s.registry.APIEndpoints(),
	})
}

func (s *Server) putCredential(c *gin.Context) {
	provider := c.Param("provider")
	if _, ok := s.registry.Provider(provider); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	var cred vault.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential"})
		return
	}
	if cred.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_token is required"})
		return
	}
	cred.Provider = provider
	if err := s.vault.Set(provider, &cred); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteCredential(c *gin.Context) {
	provider := c.Param("provider")
	if err := s.vault.Delete(provider); err != nil && err != vault.ErrNotFound {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
