package main

import (
	"context"
	"fmt"
	"os"

	"github.com/poer2023/CHANGE-sub002/internal/recipe"
	"github.com/spf13/cobra"
)

func recipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Manage reusable command templates",
	}
	cmd.AddCommand(recipeSaveCmd())
	cmd.AddCommand(recipeListCmd())
	cmd.AddCommand(recipeUseCmd())
	cmd.AddCommand(recipeExportCmd())
	cmd.AddCommand(recipeImportCmd())
	return cmd
}

func recipeSaveCmd() *cobra.Command {
	var name string
	var description string
	var tags []string
	cmd := &cobra.Command{
		Use:   "save <command text>",
		Short: "Save a command as a reusable recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := recipe.NewStore(storeDB).Save(context.Background(), name, description, args[0], tags)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "recipe name")
	cmd.Flags().StringVar(&description, "description", "", "recipe description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "recipe tags")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func recipeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved recipes",
		RunE: func(_ *cobra.Command, _ []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			recipes, err := recipe.NewStore(storeDB).List(context.Background())
			if err != nil {
				return err
			}
			return printJSON(recipes)
		},
	}
}

func recipeUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <recipe-id>",
		Short: "Print a recipe's template for reuse and bump its usage count",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := recipe.NewStore(storeDB).Use(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(rec.Template)
			return nil
		},
	}
}

func recipeExportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all recipes as YAML",
		RunE: func(_ *cobra.Command, _ []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			data, err := recipe.NewStore(storeDB).ExportYAML(context.Background())
			if err != nil {
				return err
			}
			if outPath == "" {
				fmt.Print(string(data))
				return nil
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the export to a file instead of stdout")
	return cmd
}

func recipeImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import recipes from an exported YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			n, err := recipe.NewStore(storeDB).ImportYAML(context.Background(), data)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d recipes\n", n)
			return nil
		},
	}
}
