package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

var (
	tenantID   string
	entityType string
	actionBy   string
	wait       bool
	limit      int
	offset     int
	pairWith   string
	segmentID  string
	at         string
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recalculate activity affiliations",
}

var recalcMemberCmd = &cobra.Command{
	Use:   "member MEMBER_ID",
	Short: "Recalculate the affiliations of one member's activities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			written, err := a.service.RecalculateAffiliations(ctx, tenantID, args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{"member_id": args[0], "rows_written": written})
		})
	},
}

var recalcOrganizationCmd = &cobra.Command{
	Use:   "organization ORGANIZATION_ID",
	Short: "Recalculate every member with a work experience at the organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			state, err := a.service.RecalculateOrganization(ctx, tenantID, args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), state)
		})
	},
}

var recalcChangedCmd = &cobra.Command{
	Use:   "changed",
	Short: "Run one pass of the changed-members recalculation across tenants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			state, err := a.service.RecalculateAllChanged(ctx)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), state)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve MEMBER_ID",
	Short: "Show which organization an activity of the member would be attributed to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts := time.Now().UTC()
		if at != "" {
			parsed, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC 3339: %w", err)
			}
			ts = parsed
		}
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.service.ResolveAffiliation(ctx, tenantID, args[0], ts, segmentID)
			if err != nil {
				return err
			}
			current, _, err := a.service.CurrentOrganization(ctx, tenantID, args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), resolution{
				MemberID:            args[0],
				SegmentID:           segmentID,
				Timestamp:           ts,
				OrganizationID:      res.OrganizationID,
				Rule:                string(res.Rule),
				CurrentOrganization: current,
			})
		})
	},
}

type resolution struct {
	MemberID            string    `yaml:"member_id"`
	SegmentID           string    `yaml:"segment_id"`
	Timestamp           time.Time `yaml:"timestamp"`
	OrganizationID      string    `yaml:"organization_id,omitempty"`
	Rule                string    `yaml:"rule"`
	CurrentOrganization string    `yaml:"current_organization,omitempty"`
}

var mergeCmd = &cobra.Command{
	Use:   "merge PRIMARY_ID SECONDARY_ID",
	Short: "Merge the secondary entity into the primary",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			action, err := a.service.MergeEntities(ctx, tenantID, models.EntityType(entityType), args[0], args[1], actionBy)
			if err != nil {
				return err
			}
			return printAction(ctx, cmd.OutOrStdout(), a, action)
		})
	},
}

var unmergeCmd = &cobra.Command{
	Use:   "unmerge PRIMARY_ID",
	Short: "Undo the latest merge into the primary entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			action, err := a.service.UnmergeEntities(ctx, tenantID, models.EntityType(entityType), args[0], nil, actionBy)
			if err != nil {
				return err
			}
			return printAction(ctx, cmd.OutOrStdout(), a, action)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume ACTION_ID",
	Short: "Resume an interrupted merge or unmerge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			action, err := a.service.ResumeAction(ctx, tenantID, args[0], actionBy)
			if err != nil {
				return err
			}
			return printAction(ctx, cmd.OutOrStdout(), a, action)
		})
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions ENTITY_ID",
	Short: "Show the merge history of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, a *app) error {
			var (
				views []models.MergeActionView
				err   error
			)
			if pairWith != "" {
				views, err = a.service.ListActionsByPair(ctx, tenantID, args[0], pairWith)
			} else {
				views, err = a.service.ListActionsForEntity(ctx, tenantID, args[0], limit, offset)
			}
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), views)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{recalcCmd, resolveCmd, mergeCmd, unmergeCmd, resumeCmd, actionsCmd} {
		cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id")
		_ = cmd.MarkPersistentFlagRequired("tenant")
	}
	for _, cmd := range []*cobra.Command{mergeCmd, unmergeCmd, resumeCmd} {
		cmd.Flags().StringVar(&actionBy, "by", "", "operator recorded on the merge action")
		cmd.Flags().BoolVar(&wait, "wait", false, "wait for the destructive phase to finish")
		_ = cmd.MarkFlagRequired("by")
	}
	for _, cmd := range []*cobra.Command{mergeCmd, unmergeCmd} {
		cmd.Flags().StringVar(&entityType, "type", string(models.EntityTypeMember), "member or organization")
	}
	resolveCmd.Flags().StringVar(&segmentID, "segment", "", "segment of the activity")
	resolveCmd.Flags().StringVar(&at, "at", "", "activity timestamp, RFC 3339; now when empty")
	_ = resolveCmd.MarkFlagRequired("segment")
	actionsCmd.Flags().IntVar(&limit, "limit", 0, "page size")
	actionsCmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	actionsCmd.Flags().StringVar(&pairWith, "pair", "", "only actions between the entity and this one")

	recalcCmd.AddCommand(recalcMemberCmd, recalcOrganizationCmd, recalcChangedCmd)
	rootCmd.AddCommand(recalcCmd, resolveCmd, mergeCmd, unmergeCmd, resumeCmd, actionsCmd)
}

func printAction(ctx context.Context, out io.Writer, a *app, action *models.MergeAction) error {
	view := action.View()
	if !wait {
		return printYAML(out, view)
	}
	settled, err := a.service.AwaitAction(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", action.ID, err)
	}
	return printYAML(out, settled)
}

func printYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
