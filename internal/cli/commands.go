package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/history"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/session"
	"github.com/dunamismax/visionx/internal/transcode"
	"github.com/spf13/cobra"
)

// Command builds the cobra tree bound to this Root.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "visionx",
		Short: "Run computer-vision algorithms on images through the visionx processing service",
		Long: `visionx uploads an image to the processing service, applies one of the
built-in algorithms with tunable parameters, and writes the processed result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(r.out)
	rootCmd.PersistentFlags().StringVar(&r.cfg.Service.BaseURL, "service-url", r.cfg.Service.BaseURL, "processing service base URL")
	rootCmd.PersistentFlags().DurationVar(&r.cfg.Service.Timeout, "timeout", r.cfg.Service.Timeout, "per-request timeout (0 disables)")

	rootCmd.AddCommand(r.newAlgorithmsCmd())
	rootCmd.AddCommand(r.newProcessCmd())
	rootCmd.AddCommand(r.newHistoryCmd())
	rootCmd.AddCommand(r.newValidateCmd())
	rootCmd.AddCommand(r.newHealthCmd())
	return rootCmd
}

func (r *Root) newAlgorithmsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "algorithms",
		Short: "List the available algorithms and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			algorithms := registry.Default().List()
			if asJSON {
				enc := json.NewEncoder(r.out)
				enc.SetIndent("", "  ")
				return enc.Encode(algorithms)
			}
			for _, alg := range algorithms {
				fmt.Fprintf(r.out, "%s  %s\n", r.styles.header.Render(alg.ID), alg.Label)
				if len(alg.Parameters) == 0 {
					fmt.Fprintln(r.out, r.styles.muted.Render("    (no parameters)"))
					continue
				}
				for _, p := range alg.Parameters {
					fmt.Fprintf(r.out, "    %s %s\n",
						r.styles.label.Render(p.Name),
						r.styles.muted.Render(fmt.Sprintf("[%g..%g] default=%g step=%g", p.Min, p.Max, p.Default, p.Step)))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}

func (r *Root) newProcessCmd() *cobra.Command {
	var (
		algorithm string
		params    []string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "process <image>",
		Short: "Process one image and write the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			overrides, err := parseParams(params)
			if err != nil {
				return err
			}

			svc, err := r.service()
			if err != nil {
				return err
			}
			sessionCfg, err := session.ConfigFrom(r.cfg)
			if err != nil {
				return err
			}
			sessionCfg.DefaultAlgorithm = algorithm
			sessionCfg.StrictParameters = true
			sess, err := session.New(r.logger, registry.Default(), svc, sessionCfg)
			if err != nil {
				return err
			}

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			_, err = sess.UploadImage(cmd.Context(), filepath.Base(input), "", f)
			f.Close()
			if err != nil {
				return err
			}
			for _, p := range overrides {
				if err := sess.SetParameter(p.name, p.value); err != nil {
					return fmt.Errorf("%s: %w", p.name, err)
				}
			}

			start := time.Now()
			if _, err := sess.Process(cmd.Context()); err != nil {
				return err
			}
			view := sess.Snapshot()
			data, err := transcode.Decode(view.Processed)
			if err != nil {
				return err
			}

			mimeType := view.Processed.MIMEType()
			dims := ""
			if info, err := transcode.Inspect(view.Processed); err == nil {
				mimeType = info.MIMEType
				dims = fmt.Sprintf("%dx%d, ", info.Width, info.Height)
			}
			if output == "" {
				output = defaultOutputPath(input, view.Algorithm, transcode.ExtensionFor(mimeType))
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			fmt.Fprintf(r.out, "%s %s -> %s %s\n",
				r.styles.ok.Render(view.Label),
				input,
				output,
				r.styles.muted.Render(fmt.Sprintf("(%s%d bytes, %s)", dims, len(data), time.Since(start).Round(time.Millisecond))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", r.cfg.Session.DefaultAlgorithm, "algorithm id (see `visionx algorithms`)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter override as name=value, repeatable")
	cmd.Flags().StringVarP(&output, "out", "o", "", "output path (default <image>-<algorithm>.<ext>)")
	return cmd
}

type paramOverride struct {
	name  string
	value float64
}

// parseParams keeps flag order so later overrides of the same name win.
func parseParams(raw []string) ([]paramOverride, error) {
	out := make([]paramOverride, 0, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: expected name=value", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --param %q: %w", kv, err)
		}
		out = append(out, paramOverride{name: name, value: v})
	}
	return out, nil
}

func defaultOutputPath(input, algorithm, ext string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return fmt.Sprintf("%s-%s.%s", base, algorithm, ext)
}

func (r *Root) newHistoryCmd() *cobra.Command {
	var (
		order string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past processing runs recorded by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := history.ParseOrder(order)
			if err != nil {
				return err
			}
			svc, err := r.service()
			if err != nil {
				return err
			}

			view := history.NewLoader(r.logger, svc, parsed).Load(cmd.Context())
			switch view.State {
			case history.StateError:
				return errors.New(view.Error)
			case history.StateEmpty:
				fmt.Fprintln(r.out, r.styles.muted.Render("No processing history yet"))
				return nil
			}

			entries := view.Entries
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			fmt.Fprintln(r.out, r.styles.header.Render(fmt.Sprintf("%-6s %-16s %-20s %s", "ID", "ALGORITHM", "CREATED", "PARAMETERS")))
			for _, e := range entries {
				fmt.Fprintf(r.out, "%-6d %-16s %-20s %s\n", e.ID, e.Algorithm, formatCreated(e.CreatedAt), formatParams(e.Parameters))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&order, "order", r.cfg.Session.HistoryOrder, "entry order (newest_first|service)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n entries (0 shows all)")
	return cmd
}

func formatCreated(ts domain.Timestamp) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format("2006-01-02 15:04:05")
}

func formatParams(values domain.ParameterValues) string {
	if len(values) == 0 {
		return "-"
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%g", name, values[name]))
	}
	return strings.Join(parts, " ")
}

func (r *Root) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <image>",
		Short: "Check that a file encodes as an image data URL the service accepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded, err := transcode.EncodeFile(args[0])
			if err != nil {
				return err
			}
			if !strings.HasPrefix(encoded.MIMEType(), "image/") {
				return domain.Wrap(domain.ErrEncoding, "validate image", fmt.Errorf("%s is not an image (%s)", args[0], encoded.MIMEType()))
			}
			if !transcode.Validate(encoded) {
				return domain.Wrap(domain.ErrEncoding, "validate image", errors.New("payload is not valid base64"))
			}
			info, err := transcode.Inspect(encoded)
			if err != nil {
				return err
			}

			fmt.Fprintf(r.out, "%s %s\n", r.styles.ok.Render("valid"), args[0])
			fmt.Fprintf(r.out, "  %s %s\n", r.styles.label.Render("mime:"), info.MIMEType)
			fmt.Fprintf(r.out, "  %s %dx%d\n", r.styles.label.Render("size:"), info.Width, info.Height)
			fmt.Fprintf(r.out, "  %s %d bytes (%d encoded)\n", r.styles.label.Render("data:"), info.Bytes, len(encoded))
			return nil
		},
	}
}

func (r *Root) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the processing service is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := r.service()
			if err != nil {
				return err
			}
			if err := svc.Health(cmd.Context()); err != nil {
				return fmt.Errorf("service %s is unhealthy: %w", r.cfg.Service.BaseURL, err)
			}
			fmt.Fprintf(r.out, "%s %s\n", r.styles.ok.Render("healthy"), r.cfg.Service.BaseURL)
			return nil
		},
	}
}
