package main

import (
	"context"
	"fmt"
	"os"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/spf13/cobra"
)

func planCmd() *cobra.Command {
	var docPath string
	var scopeKind string
	var scopeID string
	var outPath string
	cmd := &cobra.Command{
		Use:   "plan <command text>",
		Short: "Plan a command against a document and preview its diffs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			storeDB, workDir, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			cfg, err := loadConfig(workDir)
			if err != nil {
				return err
			}

			ctx := context.Background()
			docs := document.NewMemoryStore()
			snap, err := loadSnapshot(ctx, docPath, docs)
			if err != nil {
				return err
			}

			scope := model.Scope{Kind: model.ScopeKind(scopeKind), ID: scopeID}
			svc := buildService(cfg, storeDB, docs)
			out, err := svc.PlanCommand(ctx, args[0], scope, snap.ID, "")
			if err != nil {
				return err
			}
			if outPath != "" {
				data, err := planFileBytes(out)
				if err != nil {
					return err
				}
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write plan file: %w", err)
				}
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&docPath, "doc", "", "document snapshot file (JSON)")
	cmd.Flags().StringVar(&scopeKind, "scope-kind", string(model.ScopeDocument), "scope kind (document|chapter|section|selection)")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "scope target id")
	cmd.Flags().StringVar(&outPath, "save", "", "save the plan to a file for a later apply")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}
