// Package main implements gfctl, a CLI for manual operations against the
// graphfusiond HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	apihttp "github.com/fyrsmithlabs/graphfusion/internal/http"
)

// version is set via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	server  string
	timeout time.Duration
}

func (o *rootOptions) client() *client {
	return newClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "gfctl",
		Short: "CLI for graphfusiond HTTP API operations",
		Long: `gfctl is a command-line interface for the graphfusiond HTTP API.
It checks server health, asks for recommendations, sends feedback and moves
state snapshots in and out of a running daemon.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", "http://127.0.0.1:8089", "graphfusiond server URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newHealthCmd(opts),
		newRecommendCmd(opts),
		newFeedbackCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
	)
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check graphfusiond health",
		Long: `Check the health of the graphfusiond HTTP API and print memory counts.

Examples:
  gfctl health
  gfctl health --server http://localhost:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp apihttp.HealthResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL: %s\n", opts.server)
			fmt.Fprintf(out, "Records: %d  Nodes: %d  Edges: %d  Dimension: %d\n",
				resp.Stats.Records, resp.Stats.Nodes, resp.Stats.Edges, resp.Stats.Dimension)
			return nil
		},
	}
}

func newRecommendCmd(opts *rootOptions) *cobra.Command {
	var (
		embedding     string
		topK          int
		depth         int
		minConfidence float64
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Rank memories for a query embedding",
		Long: `Rank stored memories and graph entities by fused vector similarity and
path confidence.

Examples:
  gfctl recommend --embedding 0.1,0.9,0.3 --top-k 5
  gfctl recommend --embedding 1,0 --depth 0 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			emb, err := parseEmbedding(embedding)
			if err != nil {
				return err
			}
			req := apihttp.RecommendRequest{
				Embedding:     emb,
				TopK:          topK,
				GraphDepth:    depth,
				MinConfidence: minConfidence,
			}
			var resp apihttp.RecommendResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/recommendations", req, &resp); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			return printResults(cmd.OutOrStdout(), resp.Results)
		},
	}
	cmd.Flags().StringVar(&embedding, "embedding", "", "comma-separated query embedding")
	cmd.Flags().IntVar(&topK, "top-k", 5, "number of results")
	cmd.Flags().IntVar(&depth, "depth", 2, "graph expansion depth in hops")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "ignore edges below this confidence")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	_ = cmd.MarkFlagRequired("embedding")
	return cmd
}

func newFeedbackCmd(opts *rootOptions) *cobra.Command {
	var (
		id        string
		source    string
		target    string
		linkType  string
		signal    string
		magnitude float64
	)
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Send feedback on a recommended memory or relation",
		Long: `Send a positive, negative or neutral signal. Node feedback (--id) adjusts
every relation pointing at the node; edge feedback (--source, --target and
--link-type) adjusts one relation.

Examples:
  gfctl feedback --id 6f1c... --signal positive
  gfctl feedback --source a --target b --link-type related --signal negative --magnitude 0.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := feedback.ParseSignal(signal); err != nil {
				return err
			}
			req := apihttp.FeedbackRequest{
				NodeID:    id,
				LinkType:  linkType,
				Signal:    signal,
				Magnitude: magnitude,
			}
			edge := source != "" || target != ""
			switch {
			case edge && id != "":
				return fmt.Errorf("use either --id or --source/--target, not both")
			case edge:
				if source == "" || target == "" || linkType == "" {
					return fmt.Errorf("edge feedback needs --source, --target and --link-type")
				}
				req.Edge = &graph.EdgeKey{Source: source, Target: target, LinkType: linkType}
				req.LinkType = ""
			case id == "":
				return fmt.Errorf("one of --id or --source/--target is required")
			}

			var out feedback.Outcome
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/feedback", req, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Event: %s\n", out.EventID)
			if len(out.Updates) == 0 {
				fmt.Fprintln(w, "No relations changed")
				return nil
			}
			for _, u := range out.Updates {
				fmt.Fprintf(w, "%s -[%s]-> %s: %.4f -> %.4f\n",
					u.Key.Source, u.Key.LinkType, u.Key.Target, u.Before, u.After)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "record or node id")
	cmd.Flags().StringVar(&source, "source", "", "relation source id")
	cmd.Flags().StringVar(&target, "target", "", "relation target id")
	cmd.Flags().StringVar(&linkType, "link-type", "", "relation type")
	cmd.Flags().StringVar(&signal, "signal", "", "positive, negative or neutral")
	cmd.Flags().Float64Var(&magnitude, "magnitude", 0.2, "adjustment magnitude; values above 1 count as 1")
	_ = cmd.MarkFlagRequired("signal")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the daemon state as JSON",
		Long: `Export records, nodes and relations as a JSON document that import
accepts.

Examples:
  gfctl export --out state.json
  gfctl export | jq '.records | length'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st coordinator.State
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/state", nil, &st); err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				return writeJSON(cmd.OutOrStdout(), st)
			}

			var buf bytes.Buffer
			if err := writeJSON(&buf, st); err != nil {
				return err
			}
			if err := os.WriteFile(outPath, buf.Bytes(), 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "[gfctl] Exported %d records, %d nodes, %d edges to %s\n",
				len(st.Records), len(st.Nodes), len(st.Edges), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Replace the daemon state from an export",
		Long: `Replace all records, nodes and relations with an exported document.
The daemon rejects the document as a whole if any part is invalid.

Examples:
  gfctl import state.json
  cat state.json | gfctl import -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("state is not valid JSON")
			}

			var stats coordinator.Stats
			if err := opts.client().do(cmd.Context(), http.MethodPut, "/api/v1/state", json.RawMessage(data), &stats); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records, %d nodes, %d edges\n",
				stats.Records, stats.Nodes, stats.Edges)
			return nil
		},
	}
}

// parseEmbedding parses "0.1,0.2,0.3".
func parseEmbedding(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("embedding component %d is empty", i)
		}
		v, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("embedding component %d: %w", i, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func printResults(w io.Writer, results []coordinator.Result) error {
	if len(results) == 0 {
		fmt.Fprintln(w, "No recommendations")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tID\tSCORE\tSIMILARITY\tPATH\tHOPS\tLABEL")
	for i, r := range results {
		label := ""
		if r.Record != nil {
			label = r.Record.Label
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.4f\t%.4f\t%d\t%s\n",
			i+1, r.ID, r.Score, r.Similarity, r.PathConfidence, r.Hops, label)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
