package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/streamrelay/internal/segment"
)

type segmentOptions struct {
	rulesFile string
	hardLimit float64
	chunkSize int
	asJSON    bool
	strip     bool
}

type segmentLine struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Token  string `json:"token,omitempty"`
	Forced bool   `json:"forced,omitempty"`
	Final  bool   `json:"final,omitempty"`
}

func newSegmentCmd() *cobra.Command {
	var opts segmentOptions
	cmd := &cobra.Command{
		Use:   "segment [file]",
		Short: "Split text from a file or stdin into segments",
		Long: `segment feeds text through the segmenter in fixed-size deltas, the way
a token stream would arrive, and prints every segment it produces.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return runSegment(cmd.OutOrStdout(), string(raw), opts)
		},
	}
	cmd.Flags().StringVar(&opts.rulesFile, "rules", "", "YAML rules file (defaults to the built-in table)")
	cmd.Flags().Float64Var(&opts.hardLimit, "hard-limit", 0, "override the weighted hard limit")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk", 4, "runes per simulated delta")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print one JSON object per segment")
	cmd.Flags().BoolVar(&opts.strip, "strip-trailing", false, "strip trailing soft punctuation")
	return cmd
}

func runSegment(w io.Writer, text string, opts segmentOptions) error {
	seg, err := loadSegmenter(opts.rulesFile, opts.hardLimit)
	if err != nil {
		return err
	}
	if opts.chunkSize <= 0 {
		opts.chunkSize = 1
	}
	var strip []string
	if opts.strip {
		strip = segment.SoftPunctuation
	}

	ch := segment.NewChunker(seg)
	var lines []segmentLine
	runes := []rune(text)
	for i := 0; i < len(runes); i += opts.chunkSize {
		end := min(i+opts.chunkSize, len(runes))
		for _, p := range ch.Push(string(runes[i:end])) {
			lines = append(lines, segmentLine{Index: len(lines), Text: p.Text, Token: p.Token, Forced: p.Forced})
		}
	}
	if tail := ch.Flush(); tail != "" {
		lines = append(lines, segmentLine{Index: len(lines), Text: tail, Final: true})
	}

	enc := json.NewEncoder(w)
	for _, l := range lines {
		l.Text = segment.TrimTrailing(l.Text, strip)
		if opts.asJSON {
			if err := enc.Encode(l); err != nil {
				return err
			}
			continue
		}
		mark := ""
		switch {
		case l.Forced:
			mark = " (forced)"
		case l.Final:
			mark = " (final)"
		}
		if _, err := fmt.Fprintf(w, "%d%s\t%q\n", l.Index, mark, l.Text); err != nil {
			return err
		}
	}
	return nil
}
