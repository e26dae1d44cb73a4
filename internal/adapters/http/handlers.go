package http

import (
	"net/http"

	"github.com/dkeye/StudyRoom/internal/app/orch"
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/gin-gonic/gin"
)

type adminHandlers struct {
	orch *orch.Orchestrator
}

func errorBody(err error) gin.H {
	return gin.H{"error": gin.H{"kind": core.KindOf(err), "message": err.Error()}}
}

func (h *adminHandlers) room(c *gin.Context) (*core.Room, bool) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(core.BadRequest("%v", err)))
		return nil, false
	}
	room, ok := h.orch.Rooms.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(core.ErrRoomNotFound))
		return nil, false
	}
	return room, true
}

// GET /api/rooms
func (h *adminHandlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Rooms.List()})
}

// GET /api/rooms/:id
func (h *adminHandlers) getRoom(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":      room.Info(),
		"producers": room.Producers(),
	})
}

// GET /api/rooms/:id/members
func (h *adminHandlers) roomMembers(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": room.MembersWithStatus()})
}

// DELETE /api/rooms/:id disconnects everyone in the room; the room goes
// away with its last member.
func (h *adminHandlers) evictRoom(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	n := h.orch.Evict(room.ID())
	c.JSON(http.StatusOK, gin.H{"disconnected": n})
}

func healthz(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"rooms":    o.Rooms.Count(),
			"sessions": o.Registry.Count(),
		})
	}
}
