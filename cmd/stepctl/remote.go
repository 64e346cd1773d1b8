package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
	"github.com/fpang/media-pipeline/internal/payload"
	"github.com/fpang/media-pipeline/internal/s3util"
)

// --- rehydrate ---

var (
	bucketFlag string
	keyFlag    string
	indexFlag  int
)

var rehydrateCmd = &cobra.Command{
	Use:   "rehydrate",
	Short: "Print an offloaded payload, or one element of it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAWS(cmd.Context())
		if err != nil {
			return err
		}
		objects := s3util.NewObjectClient(s3.NewFromConfig(cfg))
		return runRehydrate(cmd.Context(), objects, event.PayloadLocation{Bucket: bucketFlag, Key: keyFlag}, indexFlag, cmd.OutOrStdout())
	},
}

func runRehydrate(ctx context.Context, objects payload.ObjectStore, loc event.PayloadLocation, index int, out io.Writer) error {
	var idx *int
	if index >= 0 {
		idx = &index
	}
	v, err := payload.NewStore(objects, loc.Bucket).Rehydrate(ctx, loc, idx)
	if err != nil {
		return err
	}
	return writeJSON(out, v)
}

// --- replay ---

// StartExecutionAPI is the subset of the Step Functions client used by replay.
type StartExecutionAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

var (
	stateMachineFlag string
	executionFlag    string
)

var replayCmd = &cobra.Command{
	Use:   "replay [envelope.json]",
	Short: "Start a state machine execution with a recorded event",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		cfg, err := loadAWS(cmd.Context())
		if err != nil {
			return err
		}
		return runReplay(cmd.Context(), sfn.NewFromConfig(cfg), stateMachineFlag, executionFlag, raw, cmd.OutOrStdout())
	},
}

func runReplay(ctx context.Context, client StartExecutionAPI, stateMachineArn, name string, raw []byte, out io.Writer) error {
	if stateMachineArn == "" {
		return errors.New("--state-machine is required")
	}
	// Step Functions only accepts a JSON object as execution input.
	if _, err := jsonutil.DecodeObject(raw); err != nil {
		return fmt.Errorf("execution input: %w", err)
	}
	if name == "" {
		name = "replay-" + uuid.NewString()
	}
	result, err := client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(stateMachineArn),
		Input:           aws.String(strings.TrimSpace(string(raw))),
		Name:            aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("StartExecution: %w", err)
	}
	log.Info().Str("executionArn", aws.ToString(result.ExecutionArn)).Msg("Replay execution started")
	return writeJSON(out, map[string]any{
		"executionArn": aws.ToString(result.ExecutionArn),
		"name":         name,
	})
}

// --- invoke ---

// InvokeAPI is the subset of the Lambda client used by invoke.
type InvokeAPI interface {
	Invoke(ctx context.Context, in *lambdasvc.InvokeInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
}

var functionFlag string

var invokeCmd = &cobra.Command{
	Use:   "invoke [event.json]",
	Short: "Invoke a step Lambda synchronously and print its output envelope",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		cfg, err := loadAWS(cmd.Context())
		if err != nil {
			return err
		}
		return runInvoke(cmd.Context(), lambdasvc.NewFromConfig(cfg), functionFlag, raw, cmd.OutOrStdout())
	},
}

func runInvoke(ctx context.Context, client InvokeAPI, function string, raw []byte, out io.Writer) error {
	if function == "" {
		return errors.New("--function is required")
	}
	if _, err := jsonutil.Decode(raw); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	result, err := client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        raw,
	})
	if err != nil {
		return fmt.Errorf("invoke %s: %w", function, err)
	}
	if result.FunctionError != nil {
		return fmt.Errorf("%s returned %s: %s", function, aws.ToString(result.FunctionError), strings.TrimSpace(string(result.Payload)))
	}
	v, err := jsonutil.Decode(result.Payload)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return writeJSON(out, v)
}

func init() {
	rehydrateCmd.Flags().StringVar(&bucketFlag, "bucket", "", "Bucket of the offloaded payload")
	rehydrateCmd.Flags().StringVar(&keyFlag, "key", "", "Key of the offloaded payload")
	rehydrateCmd.Flags().IntVar(&indexFlag, "index", -1, "Array element to print (-1 for the whole payload)")
	_ = rehydrateCmd.MarkFlagRequired("bucket")
	_ = rehydrateCmd.MarkFlagRequired("key")

	replayCmd.Flags().StringVar(&stateMachineFlag, "state-machine", "", "State machine ARN")
	replayCmd.Flags().StringVar(&executionFlag, "name", "", "Execution name (default: replay-<uuid>)")

	invokeCmd.Flags().StringVarP(&functionFlag, "function", "f", "", "Function name or ARN")
}
