package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"arc-sync/internal/metadata"
)

func newRelationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relations",
		Short: "List, create, delete and apply relations",
	}
	cmd.AddCommand(
		newRelationsListCmd(),
		newRelationsCreateCmd(),
		newRelationsDeleteCmd(),
		newRelationsApplyCmd(),
	)
	return cmd
}

type relationsListFlags struct {
	sourceType string
	sourceID   string
	format     string
}

func newRelationsListCmd() *cobra.Command {
	var flags relationsListFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List relations, optionally filtered by source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.format != "table" && flags.format != "json" {
				return fmt.Errorf("invalid format: %s (valid: table, json)", flags.format)
			}
			return withDeps(func(d *deps) error {
				rels, err := d.client.ListRelations(cmd.Context(), flags.sourceType, flags.sourceID)
				if err != nil {
					return fmt.Errorf("listing relations: %w", err)
				}
				if flags.format == "json" {
					return printJSON(cmd.OutOrStdout(), rels)
				}
				return printRelationsTable(cmd.OutOrStdout(), rels)
			})
		},
	}

	cmd.Flags().StringVar(&flags.sourceType, "source-type", "", "Filter by source module type")
	cmd.Flags().StringVar(&flags.sourceID, "source-id", "", "Filter by source record id (-1 for global)")
	cmd.Flags().StringVar(&flags.format, "format", "table", "Output format: table, json")

	return cmd
}

func printRelationsTable(w io.Writer, rels []metadata.Relation) error {
	if len(rels) == 0 {
		fmt.Fprintln(w, "No relations found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSOURCE\tTARGET\tSCOPE\tTRIGGER\tTARGET FIELD")
	for i := range rels {
		rel := &rels[i]
		trigger, target := "-", "-"
		if spec, err := rel.Rule(); err != nil {
			trigger = "(invalid settings)"
		} else if spec.Active() {
			trigger, target = spec.TriggerField, spec.TargetField
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s/%s\t%s\t%s\t%s\n",
			rel.ID, rel.RelationType,
			rel.SourceType, rel.SourceID,
			rel.TargetType, rel.TargetID,
			rel.Scope(), trigger, target)
	}
	return tw.Flush()
}

type relationsCreateFlags struct {
	draft  metadata.RelationDraft
	global bool
}

func newRelationsCreateCmd() *cobra.Command {
	var flags relationsCreateFlags
	var relType string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one relation",
		Long: `Creates a relation between two records, or between every pair of two
module types with --global.

Examples:
  arcctl relations create --source-type orders --source-id 7 --target-type invoices --target-id 9
  arcctl relations create --source-type orders --target-type invoices --global \
    --settings "$(arcctl settings encode --trigger status --target state --join-source customer_id --join-target customer_id --map Open=Active)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			draft := flags.draft
			draft.RelationType = metadata.RelationType(relType)
			if flags.global {
				draft.Global()
			}
			if err := draft.Validate(); err != nil {
				return err
			}
			return withDeps(func(d *deps) error {
				rel, err := d.client.CreateRelation(cmd.Context(), draft)
				if err != nil {
					return fmt.Errorf("creating relation: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created relation %s (%s/%s -> %s/%s)\n",
					rel.ID, rel.SourceType, rel.SourceID, rel.TargetType, rel.TargetID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flags.draft.SourceType, "source-type", "", "Source module type (required)")
	cmd.Flags().StringVar(&flags.draft.SourceID, "source-id", "", "Source record id")
	cmd.Flags().StringVar(&flags.draft.TargetType, "target-type", "", "Target module type (required)")
	cmd.Flags().StringVar(&flags.draft.TargetID, "target-id", "", "Target record id")
	cmd.Flags().StringVar(&relType, "type", string(metadata.RelationSync), "Relation type: SYNC, TRIGGER, LINK")
	cmd.Flags().StringVar(&flags.draft.Settings, "settings", "", "Settings document (JSON)")
	cmd.Flags().BoolVar(&flags.global, "global", false, "Apply to every record pair of the two types")

	return cmd
}

func newRelationsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a relation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(func(d *deps) error {
				if err := d.client.DeleteRelation(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("deleting relation %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted relation %s\n", args[0])
				return nil
			})
		},
	}
}

type relationsApplyFlags struct {
	file   string
	dryRun bool
}

func newRelationsApplyCmd() *cobra.Command {
	var flags relationsApplyFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create every relation listed in a YAML file",
		Long: `Validates all relations in the file first; nothing is created if any
entry is invalid. A rule may be given inline instead of a settings string.

Example file:
  relations:
    - sourceType: orders
      sourceId: "-1"
      targetType: invoices
      targetId: "-1"
      rule:
        triggerField: status
        targetField: state
        joinKeySource: customer_id
        joinKeyTarget: customer_id
        valueMapping:
          Open: Active`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			drafts, err := loadRelationFile(flags.file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.dryRun {
				fmt.Fprintf(out, "%d relation(s) valid\n", len(drafts))
				return nil
			}
			return withDeps(func(d *deps) error {
				for i, draft := range drafts {
					rel, err := d.client.CreateRelation(cmd.Context(), draft)
					if err != nil {
						return fmt.Errorf("relations[%d]: creating: %w", i, err)
					}
					fmt.Fprintf(out, "created relation %s (%s/%s -> %s/%s)\n",
						rel.ID, rel.SourceType, rel.SourceID, rel.TargetType, rel.TargetID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "YAML file with relations (required)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Validate only")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

type relationFile struct {
	Relations []relationEntry `yaml:"relations"`
}

type relationEntry struct {
	metadata.RelationDraft `yaml:",inline"`
	Rule                   *metadata.RuleSpec `yaml:"rule,omitempty"`
}

// loadRelationFile reads and validates every draft in path.
func loadRelationFile(path string) ([]metadata.RelationDraft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var file relationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(file.Relations) == 0 {
		return nil, fmt.Errorf("%s: no relations", path)
	}

	drafts := make([]metadata.RelationDraft, 0, len(file.Relations))
	var errs []error
	for i, entry := range file.Relations {
		draft := entry.RelationDraft
		if entry.Rule != nil {
			if draft.Settings != "" {
				errs = append(errs, fmt.Errorf("relations[%d]: set either settings or rule, not both", i))
				continue
			}
			if _, err := draft.WithRule(*entry.Rule); err != nil {
				errs = append(errs, fmt.Errorf("relations[%d]: %w", i, err))
				continue
			}
		}
		if err := draft.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("relations[%d]: %w", i, err))
			continue
		}
		drafts = append(drafts, draft)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return drafts, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
