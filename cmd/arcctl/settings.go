package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"arc-sync/internal/metadata"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Encode and decode relation settings documents",
	}
	cmd.AddCommand(newSettingsEncodeCmd(), newSettingsDecodeCmd())
	return cmd
}

type settingsEncodeFlags struct {
	spec     metadata.RuleSpec
	mappings []string
}

func newSettingsEncodeCmd() *cobra.Command {
	var flags settingsEncodeFlags

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the settings document for a rule",
		Long: `Builds a settings document from flags. Each --map takes source=target;
entries with an empty side are dropped and later entries win.

Example:
  arcctl settings encode --trigger status --target state --map Open=Active --map Closed=Archived`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := parseMappings(flags.mappings)
			if err != nil {
				return err
			}
			spec := flags.spec
			spec.ValueMapping = metadata.MappingFromRows(rows)

			s, err := metadata.EncodeSettings(spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.spec.TriggerField, "trigger", "", "Source field that triggers propagation")
	cmd.Flags().StringVar(&flags.spec.TargetField, "target", "", "Target field to write")
	cmd.Flags().StringVar(&flags.spec.JoinKeySource, "join-source", "", "Source join key (global relations)")
	cmd.Flags().StringVar(&flags.spec.JoinKeyTarget, "join-target", "", "Target join key (global relations)")
	cmd.Flags().StringVar(&flags.spec.Condition, "condition", "", "Optional guard expression")
	cmd.Flags().StringArrayVar(&flags.mappings, "map", nil, "Value mapping source=target (repeatable)")

	return cmd
}

func parseMappings(entries []string) ([]metadata.MappingRow, error) {
	rows := make([]metadata.MappingRow, 0, len(entries))
	for _, e := range entries {
		src, dst, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("invalid mapping %q: expected source=target", e)
		}
		rows = append(rows, metadata.MappingRow{SourceValue: src, TargetValue: dst})
	}
	return rows, nil
}

func newSettingsDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [settings]",
		Short: "Decode a settings document into a readable rule",
		Long:  `Reads the document from the argument, or from stdin when none is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 1 {
				input = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				input = string(data)
			}

			spec, err := metadata.DecodeSettings(input)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(spec)
			if err != nil {
				return fmt.Errorf("marshaling YAML: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			if !spec.Active() {
				fmt.Fprintln(cmd.ErrOrStderr(), "note: rule is inactive (trigger or target field empty)")
			}
			return nil
		},
	}
}
