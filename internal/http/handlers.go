package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
)

// StoreRequest is the request body for POST /api/v1/records.
type StoreRequest struct {
	Embedding    []float32      `json:"embedding" validate:"required,min=1"`
	Label        string         `json:"label,omitempty" validate:"max=512"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	NodeMetadata map[string]any `json:"node_metadata,omitempty"`
}

// PatchAttributesRequest is the request body for
// PATCH /api/v1/records/:id/attributes.
type PatchAttributesRequest struct {
	Set    map[string]any `json:"set,omitempty"`
	Remove []string       `json:"remove,omitempty" validate:"dive,required"`
}

// NodeRequest is the request body for POST /api/v1/nodes.
type NodeRequest struct {
	ID       string         `json:"id" validate:"required,max=256"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LinkRequest is the request body for POST /api/v1/edges.
type LinkRequest struct {
	Source   string `json:"source" validate:"required"`
	Target   string `json:"target" validate:"required"`
	LinkType string `json:"link_type" validate:"required,max=128"`
	// Confidence is a pointer so that an explicit 0 is accepted.
	Confidence *float64 `json:"confidence" validate:"required"`
}

// UnlinkRequest holds the query parameters of DELETE /api/v1/edges.
type UnlinkRequest struct {
	Source   string `query:"source" validate:"required"`
	Target   string `query:"target" validate:"required"`
	LinkType string `query:"link_type" validate:"required"`
}

// NeighborsRequest holds the parameters of GET /api/v1/nodes/:id/neighbors.
type NeighborsRequest struct {
	ID            string  `param:"id" validate:"required"`
	Direction     string  `query:"direction" validate:"omitempty,oneof=outgoing out incoming in both"`
	MinConfidence float64 `query:"min_confidence" validate:"gte=0,lte=1"`
}

// TraverseRequest holds the parameters of GET /api/v1/nodes/:id/traverse.
type TraverseRequest struct {
	ID            string  `param:"id" validate:"required"`
	Depth         int     `query:"depth" validate:"gte=0,lte=16"`
	MinConfidence float64 `query:"min_confidence" validate:"gte=0,lte=1"`
}

// SearchRequest is the request body for POST /api/v1/search.
type SearchRequest struct {
	Embedding []float32 `json:"embedding" validate:"required,min=1"`
	TopK      int       `json:"top_k" validate:"gt=0,lte=1000"`
}

// RecommendRequest is the request body for POST /api/v1/recommendations.
type RecommendRequest struct {
	Embedding     []float32 `json:"embedding" validate:"required,min=1"`
	TopK          int       `json:"top_k" validate:"gt=0,lte=1000"`
	GraphDepth    int       `json:"graph_depth" validate:"gte=0,lte=16"`
	MinConfidence float64   `json:"min_confidence" validate:"gte=0,lte=1"`
}

// FeedbackRequest is the request body for POST /api/v1/feedback. Exactly
// one of edge, node_id or record_id names the target; record_id is an
// alias of node_id.
type FeedbackRequest struct {
	Edge      *graph.EdgeKey `json:"edge,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	RecordID  string         `json:"record_id,omitempty"`
	LinkType  string         `json:"link_type,omitempty"`
	Signal    string         `json:"signal" validate:"required"`
	Magnitude float64        `json:"magnitude" validate:"gte=0"`
}

// WeightsRequest is the body of PUT /api/v1/weights and the response of
// GET /api/v1/weights.
type WeightsRequest struct {
	Similarity float64 `json:"similarity" validate:"gte=0"`
	Path       float64 `json:"path" validate:"gte=0"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Stats  coordinator.Stats `json:"stats"`
}

// SearchResponse is the response body for POST /api/v1/search.
type SearchResponse struct {
	Hits []coordinator.SearchHit `json:"hits"`
}

// RecommendResponse is the response body for POST /api/v1/recommendations.
type RecommendResponse struct {
	Results []coordinator.Result `json:"results"`
}

// NeighborsResponse is the response body for GET /api/v1/nodes/:id/neighbors.
type NeighborsResponse struct {
	Neighbors []graph.Neighbor `json:"neighbors"`
}

// TraverseResponse is the response body for GET /api/v1/nodes/:id/traverse.
type TraverseResponse struct {
	Reached []graph.Reached `json:"reached"`
}

// bindAndValidate binds the request into req and runs struct validation.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	return c.Validate(req)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Stats: s.svc.Stats()})
}

func (s *Server) handleStore(c echo.Context) error {
	var req StoreRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	rec, err := s.svc.Store(ctx, coordinator.StoreRequest{
		Embedding:    req.Embedding,
		Label:        req.Label,
		Attributes:   req.Attributes,
		NodeMetadata: req.NodeMetadata,
	})
	if err != nil {
		return coreError(err)
	}
	s.logger.Debug(ctx, "record stored", zap.String("id", rec.ID))
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleGetRecord(c echo.Context) error {
	rec, err := s.svc.Get(c.Param("id"))
	if err != nil {
		return coreError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	if err := s.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return coreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePatchAttributes(c echo.Context) error {
	var req PatchAttributesRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	rec, err := s.svc.PatchAttributes(c.Request().Context(), c.Param("id"), req.Set, req.Remove)
	if err != nil {
		return coreError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleAddNode(c echo.Context) error {
	var req NodeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.svc.AddNode(ctx, req.ID, req.Metadata); err != nil {
		return coreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleLink(c echo.Context) error {
	var req LinkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	edge, err := s.svc.Link(c.Request().Context(), req.Source, req.Target, *req.Confidence, req.LinkType)
	if err != nil {
		return coreError(err)
	}
	return c.JSON(http.StatusOK, edge)
}

func (s *Server) handleUnlink(c echo.Context) error {
	var req UnlinkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s.svc.Unlink(c.Request().Context(), graph.EdgeKey{
		Source:   req.Source,
		Target:   req.Target,
		LinkType: req.LinkType,
	})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleNeighbors(c echo.Context) error {
	var req NeighborsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	dir, ok := graph.ParseDirection(req.Direction)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown direction %q", req.Direction))
	}
	neighbors, err := s.svc.Neighbors(req.ID, dir, req.MinConfidence)
	if err != nil {
		return coreError(err)
	}
	if neighbors == nil {
		neighbors = []graph.Neighbor{}
	}
	return c.JSON(http.StatusOK, NeighborsResponse{Neighbors: neighbors})
}

func (s *Server) handleTraverse(c echo.Context) error {
	var req TraverseRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	reached, err := s.svc.Traverse(req.ID, req.Depth, req.MinConfidence)
	if err != nil {
		return coreError(err)
	}
	return c.JSON(http.StatusOK, TraverseResponse{Reached: reached})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	hits, err := s.svc.Search(c.Request().Context(), req.Embedding, req.TopK)
	if err != nil {
		return coreError(err)
	}
	if hits == nil {
		hits = []coordinator.SearchHit{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Hits: hits})
}

func (s *Server) handleRecommend(c echo.Context) error {
	var req RecommendRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	results, err := s.svc.Query(c.Request().Context(), recommend.Request{
		Embedding:     req.Embedding,
		TopK:          req.TopK,
		GraphDepth:    req.GraphDepth,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		return coreError(err)
	}
	if results == nil {
		results = []coordinator.Result{}
	}
	return c.JSON(http.StatusOK, RecommendResponse{Results: results})
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	signal, err := feedback.ParseSignal(req.Signal)
	if err != nil {
		return coreError(err)
	}

	nodeID := req.NodeID
	if nodeID == "" {
		nodeID = req.RecordID
	} else if req.RecordID != "" && req.RecordID != nodeID {
		return echo.NewHTTPError(http.StatusBadRequest, "node_id and record_id disagree")
	}

	out, err := s.svc.Feedback(c.Request().Context(), feedback.Event{
		Edge:      req.Edge,
		NodeID:    nodeID,
		LinkType:  req.LinkType,
		Signal:    signal,
		Magnitude: req.Magnitude,
		Source:    "http",
	})
	if err != nil {
		return coreError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleExport(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.ExportState(c.Request().Context()))
}

func (s *Server) handleImport(c echo.Context) error {
	if ct := c.Request().Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "state must be application/json")
	}
	var st coordinator.State
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state document").SetInternal(err)
	}
	ctx := c.Request().Context()
	if err := s.svc.ImportState(ctx, st); err != nil {
		return coreError(err)
	}
	s.logger.Info(ctx, "state imported",
		zap.Int("records", len(st.Records)),
		zap.Int("nodes", len(st.Nodes)),
		zap.Int("edges", len(st.Edges)),
	)
	return c.JSON(http.StatusOK, s.svc.Stats())
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Stats())
}

func (s *Server) handleGetWeights(c echo.Context) error {
	sim, path := s.svc.FusionWeights()
	return c.JSON(http.StatusOK, WeightsRequest{Similarity: sim, Path: path})
}

func (s *Server) handleSetWeights(c echo.Context) error {
	var req WeightsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := s.svc.SetFusionWeights(req.Similarity, req.Path); err != nil {
		return coreError(err)
	}
	s.logger.Info(c.Request().Context(), "fusion weights updated",
		zap.Float64("similarity", req.Similarity),
		zap.Float64("path", req.Path),
	)
	return c.JSON(http.StatusOK, req)
}
