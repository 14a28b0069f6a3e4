package recipe

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

type recipeFile struct {
	Recipes []recipeEntry `yaml:"recipes"`
}

type recipeEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Template    string   `yaml:"template"`
	Tags        []string `yaml:"tags,omitempty"`
}

// ExportYAML serializes all recipes for sharing between workspaces. Usage
// counts and ids are local state and stay behind.
func (s *Store) ExportYAML(ctx context.Context) ([]byte, error) {
	recipes, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	file := recipeFile{Recipes: make([]recipeEntry, 0, len(recipes))}
	for _, rec := range recipes {
		file.Recipes = append(file.Recipes, recipeEntry{
			Name:        rec.Name,
			Description: rec.Description,
			Template:    rec.Template,
			Tags:        rec.Tags,
		})
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("marshal recipes: %w", err)
	}
	return data, nil
}

// ImportYAML saves every recipe from an exported file. Returns the number
// of recipes imported.
func (s *Store) ImportYAML(ctx context.Context, data []byte) (int, error) {
	var file recipeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse recipes: %w", err)
	}
	imported := 0
	for i, entry := range file.Recipes {
		if _, err := s.Save(ctx, entry.Name, entry.Description, entry.Template, entry.Tags); err != nil {
			return imported, fmt.Errorf("recipe[%d] %q: %w", i, entry.Name, err)
		}
		imported++
	}
	return imported, nil
}
