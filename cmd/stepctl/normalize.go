package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
	"github.com/fpang/media-pipeline/internal/memstore"
	"github.com/fpang/media-pipeline/internal/normalize"
	"github.com/fpang/media-pipeline/internal/payload"
	"github.com/fpang/media-pipeline/internal/s3util"
	"github.com/fpang/media-pipeline/internal/store"
)

var (
	offlineFlag  bool
	tableFlag    string
	assetsFlag   string
	maxDepthFlag int
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize [event.json]",
	Short: "Show the StandardEvent a step would build from a raw event",
	Long: `normalize runs the step normalizer on a raw invocation and prints the
matched rule and the resulting StandardEvent.

With --offline no AWS call is made: offloaded payloads cannot be read and
asset records come only from the --assets file (a JSON array of records).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		n, err := buildNormalizer(cmd.Context())
		if err != nil {
			return err
		}
		return runNormalize(cmd.Context(), n, raw, cmd.OutOrStdout())
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the normalization rules in precedence order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRules(offlineNormalizer(memstore.NewAssetTable(store.DefaultKeyAttribute)), cmd.OutOrStdout())
	},
}

func runRules(n *normalize.Normalizer, out io.Writer) error {
	for i, name := range n.RuleNames() {
		if _, err := fmt.Fprintf(out, "%d\t%s\n", i+1, name); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	normalizeCmd.Flags().BoolVar(&offlineFlag, "offline", false, "Use in-memory stores instead of AWS")
	normalizeCmd.Flags().StringVar(&tableFlag, "table", os.Getenv("ASSETS_TABLE_NAME"), "Asset table for enrichment")
	normalizeCmd.Flags().StringVar(&assetsFlag, "assets", "", "Offline only: JSON file with asset records to resolve against")
	normalizeCmd.Flags().IntVar(&maxDepthFlag, "max-depth", normalize.DefaultMaxDepth, "Maximum unwrap depth")
}

// normalizeResult is what the normalize command prints.
type normalizeResult struct {
	Rule  string               `json:"rule"`
	Event *event.StandardEvent `json:"event"`
}

func runNormalize(ctx context.Context, n *normalize.Normalizer, raw []byte, out io.Writer) error {
	evt, rule, err := n.NormalizeJSON(ctx, raw)
	if err != nil {
		return fmt.Errorf("normalize (rule %q): %w", rule, err)
	}
	return writeJSON(out, normalizeResult{Rule: rule, Event: evt})
}

func buildNormalizer(ctx context.Context) (*normalize.Normalizer, error) {
	if offlineFlag {
		table, err := offlineAssets(assetsFlag)
		if err != nil {
			return nil, err
		}
		return offlineNormalizer(table), nil
	}

	cfg, err := loadAWS(ctx)
	if err != nil {
		return nil, err
	}
	objects := s3util.NewObjectClient(s3.NewFromConfig(cfg))
	// The bucket is only used for offload, which normalize never does.
	payloads := payload.NewStore(objects, "")
	assets := store.NewAssetStore(dynamodb.NewFromConfig(cfg), tableFlag)
	return normalize.New(payloads, assets, normalize.WithMaxDepth(maxDepthFlag)), nil
}

func offlineNormalizer(table *memstore.AssetTable) *normalize.Normalizer {
	payloads := payload.NewStore(memstore.NewObjects(), "offline")
	return normalize.New(payloads, store.NewAssetStore(table, "offline"), normalize.WithMaxDepth(maxDepthFlag))
}

// offlineAssets loads asset records from a JSON array file into an
// in-memory table. An empty path yields an empty table.
func offlineAssets(path string) (*memstore.AssetTable, error) {
	table := memstore.NewAssetTable(store.DefaultKeyAttribute)
	if path == "" {
		return table, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assets: %w", err)
	}
	v, err := jsonutil.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("parse assets: %w", err)
	}
	records, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("assets file must hold a JSON array, got %s", jsonutil.Kind(v))
	}
	for i, r := range records {
		rec, ok := jsonutil.Object(r)
		if !ok {
			return nil, fmt.Errorf("asset %d is %s, not an object", i, jsonutil.Kind(r))
		}
		if err := table.Put(rec); err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
	}
	return table, nil
}
