package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/poer2023/CHANGE-sub002/internal/service"
	"github.com/spf13/cobra"
)

// planFile is the on-disk form of a reviewed plan awaiting apply.
type planFile struct {
	Command model.AgentCommand `json:"command"`
	Plan    model.Plan         `json:"plan"`
}

func planFileBytes(out service.PlanOutput) ([]byte, error) {
	data, err := json.MarshalIndent(planFile{Command: out.Command, Plan: out.Plan}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan file: %w", err)
	}
	return data, nil
}

func readPlanFile(path string) (planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return planFile{}, fmt.Errorf("read plan file: %w", err)
	}
	var pf planFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return planFile{}, fmt.Errorf("parse plan file: %w", err)
	}
	return pf, nil
}

func applyCmd() *cobra.Command {
	var docPath string
	var planPath string
	var acceptSteps []string
	var write bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a reviewed plan to a document",
		RunE: func(_ *cobra.Command, _ []string) error {
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

			pf, err := readPlanFile(planPath)
			if err != nil {
				return err
			}
			if pf.Plan.SnapshotID != snap.ID {
				return fmt.Errorf("plan targets snapshot %s, document is %s", pf.Plan.SnapshotID, snap.ID)
			}

			svc := buildService(cfg, storeDB, docs)
			if err := svc.ImportPlan(pf.Command, pf.Plan); err != nil {
				return err
			}
			out, err := svc.ApplyPlan(ctx, pf.Plan.ID, acceptSteps)
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
	cmd.Flags().StringVar(&planPath, "plan", "", "plan file saved by the plan command")
	cmd.Flags().StringSliceVar(&acceptSteps, "accept", nil, "apply only the listed step ids")
	cmd.Flags().BoolVar(&write, "write", false, "write the mutated document back to --doc")
	_ = cmd.MarkFlagRequired("doc")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
