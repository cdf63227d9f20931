package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_store",
		Description: "Store a memory with a client-computed embedding. Optionally link it to existing memories or entities.",
	}, instrument(s, "memory_store", s.memoryStore))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_recommend",
		Description: "Recommend memories for a query embedding, fusing vector similarity with knowledge-graph path confidence.",
	}, instrument(s, "memory_recommend", s.memoryRecommend))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_link",
		Description: "Create or update a typed, directed relation between two memories or entities.",
	}, instrument(s, "memory_link", s.memoryLink))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_feedback",
		Description: "Report whether a recommendation helped. Positive feedback strengthens the relations that surfaced it, negative weakens them.",
	}, instrument(s, "memory_feedback", s.memoryFeedback))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_forget",
		Description: "Delete a memory together with its graph node and every relation touching it.",
	}, instrument(s, "memory_forget", s.memoryForget))
}

// instrument wraps a tool body with metrics, logging and the text summary
// the SDK sends alongside structured output.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, string, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		out, summary, err := fn(ctx, args)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)

		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
			var zero Out
			return nil, zero, fmt.Errorf("%s failed: %w", name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: summary}},
		}, out, nil
	}
}

// ===== memory_store =====

type linkSpec struct {
	Target     string  `json:"target" jsonschema:"Id of an existing memory or entity"`
	LinkType   string  `json:"link_type" jsonschema:"Relation type, e.g. related_to"`
	Confidence float64 `json:"confidence" jsonschema:"Relation confidence in [0,1]"`
}

type memoryStoreInput struct {
	Embedding  []float32      `json:"embedding" jsonschema:"Embedding vector of the configured dimension"`
	Label      string         `json:"label,omitempty" jsonschema:"Short human-readable label"`
	Attributes map[string]any `json:"attributes,omitempty" jsonschema:"Arbitrary attributes stored with the memory"`
	Links      []linkSpec     `json:"links,omitempty" jsonschema:"Relations from the new memory to existing nodes"`
}

type memoryStoreOutput struct {
	ID        string   `json:"id" jsonschema:"Assigned memory id"`
	Label     string   `json:"label,omitempty"`
	CreatedAt string   `json:"created_at" jsonschema:"Creation time, RFC 3339"`
	Linked    []string `json:"linked,omitempty" jsonschema:"Targets that were linked"`
}

func (s *Server) memoryStore(ctx context.Context, args memoryStoreInput) (memoryStoreOutput, string, error) {
	for _, l := range args.Links {
		if l.Target == "" || l.LinkType == "" {
			return memoryStoreOutput{}, "", fmt.Errorf("%w: links need target and link_type", memory.ErrInvalidArgument)
		}
	}

	rec, err := s.svc.Store(ctx, coordinator.StoreRequest{
		Embedding:  args.Embedding,
		Label:      args.Label,
		Attributes: args.Attributes,
	})
	if err != nil {
		return memoryStoreOutput{}, "", err
	}

	out := memoryStoreOutput{
		ID:        rec.ID,
		Label:     rec.Label,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, l := range args.Links {
		if _, err := s.svc.Link(ctx, rec.ID, l.Target, l.Confidence, l.LinkType); err != nil {
			// The record exists; remove it so a failed call leaves nothing behind.
			if derr := s.svc.Delete(ctx, rec.ID); derr != nil {
				s.logger.Warn("rollback of stored memory failed", zap.String("id", rec.ID), zap.Error(derr))
			}
			return memoryStoreOutput{}, "", fmt.Errorf("link to %s: %w", l.Target, err)
		}
		out.Linked = append(out.Linked, l.Target)
	}

	return out, fmt.Sprintf("Stored memory %s with %d link(s)", rec.ID, len(out.Linked)), nil
}

// ===== memory_recommend =====

type memoryRecommendInput struct {
	Embedding     []float32 `json:"embedding" jsonschema:"Query embedding vector"`
	TopK          int       `json:"top_k,omitempty" jsonschema:"Maximum number of results (default 5)"`
	GraphDepth    *int      `json:"graph_depth,omitempty" jsonschema:"Maximum relation hops to follow; 0 disables graph expansion (default 2)"`
	MinConfidence float64   `json:"min_confidence,omitempty" jsonschema:"Ignore relations weaker than this, in [0,1]"`
}

type recommendation struct {
	ID             string         `json:"id"`
	Score          float64        `json:"score"`
	Similarity     float64        `json:"similarity"`
	PathConfidence float64        `json:"path_confidence"`
	Via            string         `json:"via,omitempty" jsonschema:"Memory whose relations led here"`
	Hops           int            `json:"hops"`
	Label          string         `json:"label,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" jsonschema:"Node metadata for graph-only entities"`
}

type memoryRecommendOutput struct {
	Results []recommendation `json:"results"`
	Count   int              `json:"count"`
}

func (s *Server) memoryRecommend(ctx context.Context, args memoryRecommendInput) (memoryRecommendOutput, string, error) {
	topK := args.TopK
	if topK == 0 {
		topK = s.config.DefaultTopK
	}
	depth := s.config.DefaultGraphDepth
	if args.GraphDepth != nil {
		depth = *args.GraphDepth
	}

	results, err := s.svc.Query(ctx, recommend.Request{
		Embedding:     args.Embedding,
		TopK:          topK,
		GraphDepth:    depth,
		MinConfidence: args.MinConfidence,
	})
	if err != nil {
		return memoryRecommendOutput{}, "", err
	}

	out := memoryRecommendOutput{Results: make([]recommendation, 0, len(results))}
	for _, r := range results {
		rec := recommendation{
			ID:             r.ID,
			Score:          r.Score,
			Similarity:     r.Similarity,
			PathConfidence: r.PathConfidence,
			Via:            r.Via,
			Hops:           r.Hops,
			Metadata:       r.Metadata,
		}
		if r.Record != nil {
			rec.Label = r.Record.Label
			rec.Attributes = r.Record.Attributes.Map()
		}
		out.Results = append(out.Results, rec)
	}
	out.Count = len(out.Results)

	return out, fmt.Sprintf("Found %d recommendation(s)", out.Count), nil
}

// ===== memory_link =====

type memoryLinkInput struct {
	Source     string  `json:"source" jsonschema:"Source memory or entity id"`
	Target     string  `json:"target" jsonschema:"Target memory or entity id"`
	LinkType   string  `json:"link_type" jsonschema:"Relation type"`
	Confidence float64 `json:"confidence" jsonschema:"Relation confidence in [0,1]"`
}

type memoryLinkOutput struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	LinkType   string  `json:"link_type"`
	Confidence float64 `json:"confidence" jsonschema:"Stored confidence after clamping"`
}

func (s *Server) memoryLink(ctx context.Context, args memoryLinkInput) (memoryLinkOutput, string, error) {
	if args.LinkType == "" {
		return memoryLinkOutput{}, "", fmt.Errorf("%w: link_type is required", memory.ErrInvalidArgument)
	}
	edge, err := s.svc.Link(ctx, args.Source, args.Target, args.Confidence, args.LinkType)
	if err != nil {
		return memoryLinkOutput{}, "", err
	}
	out := memoryLinkOutput{
		Source:     edge.Source,
		Target:     edge.Target,
		LinkType:   edge.LinkType,
		Confidence: edge.Confidence,
	}
	return out, fmt.Sprintf("Linked %s -[%s]-> %s at %.3f", edge.Source, edge.LinkType, edge.Target, edge.Confidence), nil
}

// ===== memory_feedback =====

type memoryFeedbackInput struct {
	ID        string  `json:"id,omitempty" jsonschema:"Recommended memory id; adjusts every relation pointing at it"`
	Source    string  `json:"source,omitempty" jsonschema:"Edge source, to target a single relation instead of id"`
	Target    string  `json:"target,omitempty" jsonschema:"Edge target"`
	LinkType  string  `json:"link_type,omitempty" jsonschema:"Edge relation type; with id, restricts which incoming relations change"`
	Signal    string  `json:"signal" jsonschema:"positive, negative or neutral"`
	Magnitude float64 `json:"magnitude,omitempty" jsonschema:"Adjustment strength in (0,1] (default 0.2)"`
}

type edgeUpdate struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	LinkType string  `json:"link_type"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	Decayed  bool    `json:"decayed,omitempty" jsonschema:"Staleness decay applied first"`
}

type memoryFeedbackOutput struct {
	EventID string       `json:"event_id"`
	Signal  string       `json:"signal"`
	Updates []edgeUpdate `json:"updates"`
}

func (s *Server) memoryFeedback(ctx context.Context, args memoryFeedbackInput) (memoryFeedbackOutput, string, error) {
	signal, err := feedback.ParseSignal(args.Signal)
	if err != nil {
		return memoryFeedbackOutput{}, "", err
	}
	magnitude := args.Magnitude
	if magnitude == 0 {
		magnitude = s.config.DefaultMagnitude
	}

	ev, err := feedbackEvent(args, signal, magnitude)
	if err != nil {
		return memoryFeedbackOutput{}, "", err
	}
	outcome, err := s.svc.Feedback(ctx, ev)
	if err != nil {
		return memoryFeedbackOutput{}, "", err
	}

	out := memoryFeedbackOutput{
		EventID: outcome.EventID,
		Signal:  string(outcome.Signal),
		Updates: make([]edgeUpdate, 0, len(outcome.Updates)),
	}
	for _, u := range outcome.Updates {
		out.Updates = append(out.Updates, edgeUpdate{
			Source:   u.Key.Source,
			Target:   u.Key.Target,
			LinkType: u.Key.LinkType,
			Before:   u.Before,
			After:    u.After,
			Decayed:  u.Decayed,
		})
	}
	return out, fmt.Sprintf("Applied %s feedback to %d relation(s)", out.Signal, len(out.Updates)), nil
}

func feedbackEvent(args memoryFeedbackInput, signal feedback.Signal, magnitude float64) (feedback.Event, error) {
	edgeTarget := args.Source != "" || args.Target != ""
	switch {
	case args.ID != "" && edgeTarget:
		return feedback.Event{}, fmt.Errorf("%w: give either id or source/target, not both", memory.ErrInvalidArgument)
	case args.ID != "":
		ev := feedback.ForNode(args.ID, signal, magnitude)
		ev.LinkType = args.LinkType
		ev.Source = "mcp"
		return ev, nil
	case args.Source != "" && args.Target != "" && args.LinkType != "":
		ev := feedback.ForEdge(graph.EdgeKey{Source: args.Source, Target: args.Target, LinkType: args.LinkType}, signal, magnitude)
		ev.Source = "mcp"
		return ev, nil
	default:
		return feedback.Event{}, fmt.Errorf("%w: id, or source, target and link_type, are required", memory.ErrInvalidArgument)
	}
}

// ===== memory_forget =====

type memoryForgetInput struct {
	ID string `json:"id" jsonschema:"Memory id to delete"`
}

type memoryForgetOutput struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted" jsonschema:"False when the memory did not exist"`
}

func (s *Server) memoryForget(ctx context.Context, args memoryForgetInput) (memoryForgetOutput, string, error) {
	if args.ID == "" {
		return memoryForgetOutput{}, "", fmt.Errorf("%w: id is required", memory.ErrInvalidArgument)
	}
	_, err := s.svc.Get(args.ID)
	existed := err == nil
	if err != nil && !errors.Is(err, memory.ErrRecordNotFound) {
		return memoryForgetOutput{}, "", err
	}
	if err := s.svc.Delete(ctx, args.ID); err != nil {
		return memoryForgetOutput{}, "", err
	}

	out := memoryForgetOutput{ID: args.ID, Deleted: existed}
	if !existed {
		return out, fmt.Sprintf("Memory %s did not exist", args.ID), nil
	}
	return out, fmt.Sprintf("Forgot memory %s", args.ID), nil
}
