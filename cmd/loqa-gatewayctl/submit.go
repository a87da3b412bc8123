package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/spf13/cobra"
)

type jobFlags struct {
	id       string
	endpoint string
	params   string
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "Job id (generated by the gateway when empty)")
	cmd.Flags().StringVarP(&f.endpoint, "endpoint", "e", "chat", "Endpoint name")
	cmd.Flags().StringVarP(&f.params, "params", "p", "", "Params as inline JSON, @file, or - for stdin")
}

func (f *jobFlags) envelope(stdin io.Reader) (protocol.Envelope, error) {
	params, err := readParams(f.params, stdin)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Envelope{
		ID: f.id,
		Input: protocol.Input{
			APIKey:   activeCfg.APIKey,
			Endpoint: f.endpoint,
			Params:   params,
		},
	}, nil
}

func readParams(src string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case src == "":
		return nil, nil
	case src == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		data = b
	case strings.HasPrefix(src, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(src, "@"))
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		data = b
	default:
		data = []byte(src)
	}
	if !json.Valid(data) {
		return nil, errors.New("params must be valid JSON")
	}
	return json.RawMessage(data), nil
}

func newSubmitCmd() *cobra.Command {
	var (
		flags jobFlags
		async bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and print the response",
		Example: `  loqa-gatewayctl submit -e chat -p '{"message":"hello","conversation_id":"c1"}'
  loqa-gatewayctl submit -e generate_speech -p @speech.json --async`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.envelope(cmd.InOrStdin())
			if err != nil {
				return err
			}
			tr, err := newTransport()
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), activeCfg.Timeout)
			defer cancel()
			resp, err := tr.Run(ctx, env, async)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&async, "async", false, "Return the job id immediately instead of waiting")

	return cmd
}

// printResponse writes resp as indented JSON and reports failed jobs as an error
// so the exit status reflects the job outcome.
func printResponse(w io.Writer, resp protocol.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Status == protocol.StatusError {
		return responseError(resp)
	}
	return nil
}
