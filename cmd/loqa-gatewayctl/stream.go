package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/loqalabs/loqa-gateway/internal/audio"
	"github.com/loqalabs/loqa-gateway/internal/stream"
	"github.com/spf13/cobra"
)

func newStreamCmd() *cobra.Command {
	var (
		flags  jobFlags
		raw    bool
		wavOut string
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Submit a job and print chunks as they arrive",
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

			p := &chunkPrinter{out: cmd.OutOrStdout(), raw: raw}
			if err := tr.Stream(ctx, env, p.handle); err != nil {
				return err
			}
			if wavOut != "" && len(p.clip.Samples) > 0 {
				if err := writeWAV(wavOut, p.clip); err != nil {
					return err
				}
			}
			return p.err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&raw, "raw", false, "Print chunks as NDJSON instead of text")
	cmd.Flags().StringVar(&wavOut, "wav", "", "Write streamed audio to this WAV file")

	return cmd
}

// chunkPrinter renders text fragments inline and accumulates audio.
type chunkPrinter struct {
	out  io.Writer
	raw  bool
	clip audio.Clip
	err  error
}

func (p *chunkPrinter) handle(c stream.Chunk) error {
	if p.raw {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.out, string(data))
		if err != nil {
			return err
		}
	}

	switch c.Kind {
	case stream.KindText:
		var t stream.TextPayload
		if err := json.Unmarshal(c.Payload, &t); err != nil {
			return err
		}
		if !p.raw {
			_, err := fmt.Fprint(p.out, t.Text)
			return err
		}
	case stream.KindAudio:
		var clip audio.Clip
		if err := json.Unmarshal(c.Payload, &clip); err != nil {
			return err
		}
		p.clip.SampleRate = clip.SampleRate
		p.clip.Channels = clip.Channels
		p.clip.Samples = append(p.clip.Samples, clip.Samples...)
	case stream.KindEnd:
		if !p.raw {
			_, err := fmt.Fprintln(p.out)
			return err
		}
	case stream.KindError:
		var e stream.ErrorPayload
		if err := json.Unmarshal(c.Payload, &e); err != nil {
			return err
		}
		p.err = fmt.Errorf("job %s failed (%d): %s", c.JobID, e.Code, e.Detail)
	}
	return nil
}

func writeWAV(path string, clip audio.Clip) error {
	data, err := audio.EncodeWAV(clip)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
