// Command turnctl runs pieces of the reply pipeline from the shell. It splits
// completions into delivery units, infers decisions from reply text and reads
// deployed state such as personas and the wallet balance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"persona-chat/internal/command"
	"persona-chat/internal/config"
	"persona-chat/internal/domain"
	"persona-chat/internal/integrations/paramstore"
	"persona-chat/internal/repository"
	"persona-chat/internal/resolver"
	"persona-chat/internal/scheduler"
	"persona-chat/internal/splitter"
	"persona-chat/internal/validate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "turnctl",
		Short:        "Inspect the persona reply pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(newSplitCmd(), newInferCmd(), newBalanceCmd(), newPersonasCmd())
	return root
}

type splitOutput struct {
	Units      []unitOutput `json:"units"`
	Mood       string       `json:"mood,omitempty"`
	Thought    string       `json:"thought,omitempty"`
	Violations []string     `json:"violations,omitempty"`
}

type unitOutput struct {
	Kind     string `json:"kind"`
	Summary  string `json:"summary"`
	OffsetMS int64  `json:"offsetMs"`
}

func newSplitCmd() *cobra.Command {
	var (
		live       bool
		language   string
		tracksPath string
	)
	cmd := &cobra.Command{
		Use:   "split [text]",
		Short: "Sanitize and split a completion into delivery units",
		Long: "Reads the completion from the argument, or from stdin when no argument is given. " +
			"With --tracks, music invites are resolved against a JSON array of {\"title\", \"artist\"} entries and unknown songs stay text.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := input(cmd, args)
			if err != nil {
				return err
			}
			clean := validate.Sanitize(raw)
			body, meta, _ := validate.ExtractMetadata(clean)

			rng := splitter.DefaultRange
			if live {
				rng = splitter.LiveRange
			}
			var tracks command.TrackResolver
			if tracksPath != "" {
				catalog, err := loadTracks(tracksPath)
				if err != nil {
					return err
				}
				tracks = catalog
			}
			units := splitter.New(splitter.DefaultConfig(), command.NewParser(tracks)).SplitRange(body, rng)
			offsets := scheduler.DefaultPacing().Offsets(units)

			out := splitOutput{Units: make([]unitOutput, 0, len(units))}
			for i, u := range units {
				out.Units = append(out.Units, unitOutput{Kind: string(u.Kind), Summary: u.Summary(), OffsetMS: offsets[i].Milliseconds()})
			}
			if meta != nil {
				out.Mood, out.Thought = meta.Mood, meta.Thought
			}
			for _, v := range validate.Check(clean, validate.Constraints{Language: language, RequireMetadata: true, LiveChat: live}) {
				out.Violations = append(out.Violations, string(v.Kind)+": "+v.Detail)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "use the live chat unit range and narrative check")
	cmd.Flags().StringVar(&language, "language", "", "persona language to check against")
	cmd.Flags().StringVar(&tracksPath, "tracks", "", "JSON file with the music catalog")
	return cmd
}

func loadTracks(path string) (*paramstore.TrackCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tracks: %w", err)
	}
	var entries []struct {
		Title  string `json:"title"`
		Artist string `json:"artist"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode tracks: %w", err)
	}
	tracks := make([]domain.MusicInvite, 0, len(entries))
	for _, e := range entries {
		tracks = append(tracks, domain.MusicInvite{Title: e.Title, Artist: e.Artist})
	}
	return paramstore.NewTrackCatalog(tracks...), nil
}

type inferOutput struct {
	Decision string `json:"decision"`
	Line     int    `json:"line"`
}

func newInferCmd() *cobra.Command {
	var (
		kind      string
		rulesPath string
	)
	cmd := &cobra.Command{
		Use:   "infer [reply]",
		Short: "Infer a pending action decision from reply text with the phrase rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := input(cmd, args)
			if err != nil {
				return err
			}
			rules := resolver.DefaultRules()
			if rulesPath != "" {
				if rules, err = resolver.LoadRules(rulesPath); err != nil {
					return err
				}
			}
			var units []domain.DeliveryUnit
			for _, line := range strings.Split(text, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					units = append(units, domain.TextUnit(line))
				}
			}
			inf := rules.Infer(domain.PendingKind(kind), units)
			return writeJSON(cmd.OutOrStdout(), inferOutput{Decision: inf.Decision.String(), Line: inf.Index})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.PendingTransfer), "pending action kind")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "YAML rules file replacing the built-in phrases")
	return cmd
}

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the wallet balance from the state table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}
			state, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, repository.WithWalletID(cfg.WalletID))
			if err != nil {
				return err
			}
			balance, err := state.Balance(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), balance.StringFixed(2))
			return nil
		},
	}
}

func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the persona profiles stored in the parameter store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}
			params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return err
			}
			store, err := paramstore.NewPersonaStore(params, cfg.ParamPrefix, cfg.PersonaCacheSize)
			if err != nil {
				return err
			}
			personas, listErr := store.ListPersonas(ctx)
			if err := writeJSON(cmd.OutOrStdout(), personas); err != nil {
				return err
			}
			return listErr
		},
	}
}

func input(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
