// Package main is stepctl, an operator CLI for pipeline steps.
//
// It normalizes raw events the way a step would (against AWS or fully
// offline), reads offloaded payloads back, replays recorded envelopes into a
// state machine, and invokes a step Lambda synchronously.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/media-pipeline/internal/logging"
)

// Global flags
var (
	regionFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "stepctl",
	Short: "Inspect and drive media pipeline steps",
	Long: `stepctl works with the events exchanged between media pipeline steps.

Examples:
  stepctl normalize --offline event.json
  stepctl normalize --table assets-table < event.json
  stepctl rehydrate --bucket payloads --key external-payloads/exec-1/abc.json --index 3
  stepctl replay --state-machine arn:aws:states:...:stateMachine:images envelope.json
  stepctl invoke --function image-metadata-lambda event.json`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.InitWith(logLevelFlag, os.Stderr, false)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&regionFlag, "region", "", "AWS region (defaults to the SDK's resolution chain)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Log level: trace, debug, info, warn, error")
	rootCmd.AddCommand(normalizeCmd, rulesCmd, rehydrateCmd, replayCmd, invokeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadAWS loads the default AWS config, honouring --region.
func loadAWS(ctx context.Context) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if regionFlag != "" {
		opts = append(opts, awsconfig.WithRegion(regionFlag))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return cfg, nil
}

// readInput reads the event from the named file, or stdin for "" or "-".
func readInput(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return b, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
