package main

import (
	"context"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/spf13/cobra"
)

func undoCmd() *cobra.Command {
	var docPath string
	var write bool
	cmd := &cobra.Command{
		Use:   "undo <operation-id>",
		Short: "Revert the committed changes of a recorded operation",
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

			svc := buildService(cfg, storeDB, docs)
			out, err := svc.UndoOperation(ctx, args[0])
			if err != nil {
				return err
			}
			if write {
				if err := writeSnapshot(ctx, docPath, snap.ID, docs); err != nil {
					return err
				}
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&docPath, "doc", "", "document snapshot file (JSON)")
	cmd.Flags().BoolVar(&write, "write", false, "write the reverted document back to --doc")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}
