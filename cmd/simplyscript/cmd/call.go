package cmd

import (
	"encoding/json"
	"fmt"

	"simplyscript/core/errors"
	"simplyscript/core/kernel"
	"simplyscript/core/logger"
	"simplyscript/core/store"

	"github.com/spf13/cobra"
)

var callRequestFlag string

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVar(&callRequestFlag, "request", "", "JSON object used as the request store")
}

// callOutput is printed as JSON after every call.
type callOutput struct {
	Result   any            `json:"result,omitempty"`
	Commands []string       `json:"commands,omitempty"`
	Data     any            `json:"data,omitempty"`
	Error    *callErrorInfo `json:"error,omitempty"`
}

type callErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

var callCmd = &cobra.Command{
	Use:   "call <Module.method> [json-args]",
	Short: "Dispatch one action and print its result as JSON",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := logger.WithComponentName(cmd.Context(), "call")

		rawArgs := ""
		if len(args) > 1 {
			rawArgs = args[1]
		}
		input, request, err := parseCallInput(rawArgs, callRequestFlag)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k, err := newKernel(cfg)
		if err != nil {
			return err
		}
		stopTrace := traceEvents(ctx, k.Events())
		defer stopTrace()
		if err := k.Start(ctx); err != nil {
			return err
		}
		defer stopKernel(ctx, k)

		result, callErr := k.Call(ctx, args[0], input, kernel.WithRequest(request))
		out := newCallOutput(result, callErr, store.NewRequestStore(request))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		return callErr
	},
}

// parseCallInput decodes the JSON arguments and request map. The request map
// is never nil so the call and the output share it.
func parseCallInput(rawArgs, rawRequest string) (any, map[string]any, error) {
	var input any
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &input); err != nil {
			return nil, nil, fmt.Errorf("invalid JSON arguments: %w", err)
		}
	}
	var request map[string]any
	if rawRequest != "" {
		if err := json.Unmarshal([]byte(rawRequest), &request); err != nil {
			return nil, nil, fmt.Errorf("invalid JSON request: %w", err)
		}
	}
	if request == nil {
		request = map[string]any{}
	}
	return input, request, nil
}

func newCallOutput(result any, err error, req *store.RequestStore) callOutput {
	out := callOutput{Result: result, Commands: req.ReturnCommands()}
	if data, ok := req.Get(store.OtherReturnDataKey); ok {
		out.Data = data
	}
	if err != nil {
		out.Result = nil
		out.Error = &callErrorInfo{Code: errors.Code(err), Message: err.Error()}
	}
	return out
}
