package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencanvas/placed/internal/auth"
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/protocol"
)

// adminTokenHeader carries the operator token for the admin surface.
const adminTokenHeader = "X-Admin-Token"

// requireAdmin gates the admin group. With no token configured the validator
// denies everything, so the surface is off by default.
func (s *Server) requireAdmin(c *gin.Context) {
	v := auth.StaticToken{Token: s.cfg.AdminToken}
	if err := v.Validate(c.GetHeader(adminTokenHeader)); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorFrame{
			Code:    protocol.CodeUnauthorized,
			Message: "admin token missing or invalid",
		})
		return
	}
	c.Next()
}

// handleAdminSnapshot forces a snapshot capture for one tile.
func (s *Server) handleAdminSnapshot(c *gin.Context) {
	t, err := grid.ParseKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorFrame{Code: protocol.CodeBadRequest, Message: "malformed tile key"})
		return
	}
	row, _, err := s.svc.CaptureSnapshot(t)
	if err != nil {
		s.log.Error().Err(err).Str("tile", t.Key()).Msg("admin_snapshot_failed")
		c.JSON(http.StatusInternalServerError, protocol.ErrorFrame{Code: protocol.CodeInternal, Message: "snapshot capture failed"})
		return
	}
	c.JSON(http.StatusOK, row)
}

// handleAdminCompact captures a snapshot and drops the delta history it
// covers. Subscribers holding older seqs fall back to the snapshot on their
// next resubscription.
func (s *Server) handleAdminCompact(c *gin.Context) {
	t, err := grid.ParseKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorFrame{Code: protocol.CodeBadRequest, Message: "malformed tile key"})
		return
	}
	if err := s.svc.CompactTile(t); err != nil {
		s.log.Error().Err(err).Str("tile", t.Key()).Msg("admin_compact_failed")
		c.JSON(http.StatusInternalServerError, protocol.ErrorFrame{Code: protocol.CodeInternal, Message: "compaction failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tile": t.Key(), "status": "compacted"})
}
