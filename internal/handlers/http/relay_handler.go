package http

import (
	"context"
	"net/http"
	"slices"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/infrastructure/distributed"
	"deskrelay/internal/infrastructure/monitoring"
	apperrors "deskrelay/pkg/errors"
	"deskrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
)

// HostDirectory lists hosts known to every relay instance.
type HostDirectory interface {
	Hosts(ctx context.Context) ([]distributed.PresenceRecord, error)
}

// RelayHandler exposes the registry and the pairing table for operators.
type RelayHandler struct {
	registry    ports.EndpointRegistry
	coordinator ports.PairingCoordinator
	evictor     ports.Evictor
	health      *monitoring.HealthChecker
	directory   HostDirectory
	iceServers  []webrtc.ICEServer
}

func NewRelayHandler(
	registry ports.EndpointRegistry,
	coordinator ports.PairingCoordinator,
	evictor ports.Evictor,
	health *monitoring.HealthChecker,
	iceServers []webrtc.ICEServer,
) *RelayHandler {
	return &RelayHandler{
		registry:    registry,
		coordinator: coordinator,
		evictor:     evictor,
		health:      health,
		iceServers:  iceServers,
	}
}

// SetHostDirectory enables the cluster-wide host listing.
func (h *RelayHandler) SetHostDirectory(d HostDirectory) {
	h.directory = d
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/endpoints", h.ListEndpoints)
		api.GET("/endpoints/:id", h.GetEndpoint)
		api.DELETE("/endpoints/:id", h.EvictEndpoint)

		api.GET("/hosts", h.ListHosts)

		api.GET("/pairings", h.ListPairings)
		api.GET("/pairings/:id", h.GetPairing)
		api.DELETE("/pairings/:id", h.EndPairing)

		api.GET("/ice-servers", h.ICEServers)
	}
}

type endpointResponse struct {
	ID           domain.EndpointID `json:"id"`
	Role         domain.Role       `json:"role"`
	Codec        string            `json:"codec,omitempty"`
	RemoteAddr   string            `json:"remote_addr,omitempty"`
	ConnectedAt  time.Time         `json:"connected_at"`
	LastActivity time.Time         `json:"last_activity"`
	PairingID    domain.PairingID  `json:"pairing_id,omitempty"`
}

type pairingResponse struct {
	ID           domain.PairingID    `json:"id"`
	HostID       domain.EndpointID   `json:"host_id"`
	ControllerID domain.EndpointID   `json:"controller_id"`
	State        domain.PairingState `json:"state"`
	CreatedAt    time.Time           `json:"created_at"`
}

func (h *RelayHandler) toEndpointResponse(ep domain.Endpoint) endpointResponse {
	resp := endpointResponse{
		ID:           ep.ID,
		Role:         ep.Role,
		Codec:        ep.Codec,
		RemoteAddr:   ep.RemoteAddr,
		ConnectedAt:  ep.ConnectedAt,
		LastActivity: ep.LastActivity,
	}
	if p, ok := h.coordinator.PeerOf(ep.ID); ok {
		resp.PairingID = p.ID
	}
	return resp
}

func toPairingResponse(p domain.Pairing) pairingResponse {
	return pairingResponse{
		ID:           p.ID,
		HostID:       p.HostID,
		ControllerID: p.ControllerID,
		State:        p.State,
		CreatedAt:    p.CreatedAt,
	}
}

func (h *RelayHandler) ListEndpoints(c *gin.Context) {
	var role domain.Role
	if r := c.Query("role"); r != "" {
		role = domain.Role(r)
		if !role.Valid() {
			_ = c.Error(apperrors.NewInvalidInputError("unknown role: " + r))
			return
		}
	}

	endpoints := make([]endpointResponse, 0)
	for _, ep := range h.registry.Snapshot() {
		if role != "" && ep.Role != role {
			continue
		}
		endpoints = append(endpoints, h.toEndpointResponse(ep))
	}
	slices.SortFunc(endpoints, func(a, b endpointResponse) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"endpoints": endpoints,
		"count":     len(endpoints),
	})
}

func (h *RelayHandler) endpointID(c *gin.Context) (domain.EndpointID, bool) {
	id := c.Param("id")
	if err := validation.ValidateEndpointID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.EndpointID(id), true
}

func (h *RelayHandler) GetEndpoint(c *gin.Context) {
	id, ok := h.endpointID(c)
	if !ok {
		return
	}
	ep, err := h.registry.Lookup(id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": h.toEndpointResponse(ep)})
}

func (h *RelayHandler) EvictEndpoint(c *gin.Context) {
	id, ok := h.endpointID(c)
	if !ok {
		return
	}
	if !h.evictor.Evict(c.Request.Context(), id, domain.ReasonEvicted) {
		_ = c.Error(domain.ErrUnknownEndpoint)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RelayHandler) ListHosts(c *gin.Context) {
	if h.directory != nil && c.Query("scope") == "cluster" {
		records, err := h.directory.Hosts(c.Request.Context())
		if err != nil {
			_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence store unavailable", http.StatusServiceUnavailable))
			return
		}
		hosts := make([]gin.H, 0, len(records))
		for _, rec := range records {
			hosts = append(hosts, gin.H{
				"id":           rec.EndpointID,
				"instance_id":  rec.InstanceID,
				"connected_at": rec.ConnectedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"hosts": hosts, "scope": "cluster"})
		return
	}

	hosts := make([]endpointResponse, 0)
	for id := range h.registry.ListByRole(domain.RoleHost) {
		if ep, err := h.registry.Lookup(id); err == nil {
			hosts = append(hosts, h.toEndpointResponse(ep))
		}
	}
	c.JSON(http.StatusOK, gin.H{"hosts": hosts, "scope": "local"})
}

func (h *RelayHandler) ListPairings(c *gin.Context) {
	active := h.coordinator.Active()
	pairings := make([]pairingResponse, 0, len(active))
	for _, p := range active {
		pairings = append(pairings, toPairingResponse(p))
	}
	slices.SortFunc(pairings, func(a, b pairingResponse) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	c.JSON(http.StatusOK, gin.H{
		"pairings": pairings,
		"count":    len(pairings),
	})
}

func (h *RelayHandler) pairingID(c *gin.Context) (domain.PairingID, bool) {
	id := c.Param("id")
	if err := validation.ValidatePairingID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.PairingID(id), true
}

func (h *RelayHandler) GetPairing(c *gin.Context) {
	id, ok := h.pairingID(c)
	if !ok {
		return
	}
	p, err := h.coordinator.Get(id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairing": toPairingResponse(p)})
}

func (h *RelayHandler) EndPairing(c *gin.Context) {
	id, ok := h.pairingID(c)
	if !ok {
		return
	}
	if !h.coordinator.Teardown(c.Request.Context(), id, domain.ReasonRequested) {
		_ = c.Error(domain.ErrPairingNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RelayHandler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ice_servers": h.iceServers})
}

func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"endpoints": h.registry.Count(),
		"pairings":  len(h.coordinator.Active()),
	})
}

func (h *RelayHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
