package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/poer2023/CHANGE-sub002/internal/config"
	"github.com/poer2023/CHANGE-sub002/internal/db"
	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/engine"
	"github.com/poer2023/CHANGE-sub002/internal/ledger"
	"github.com/poer2023/CHANGE-sub002/internal/planner"
	"github.com/poer2023/CHANGE-sub002/internal/recipe"
	"github.com/poer2023/CHANGE-sub002/internal/service"
	"github.com/poer2023/CHANGE-sub002/internal/undo"
	"github.com/spf13/viper"
)

func openDB() (*sql.DB, string, func(), error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, "", func() {}, err
	}
	agentDir := filepath.Join(workDir, ".agentd")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, "", func() {}, err
	}
	dbPath := filepath.Join(agentDir, "agentd.db")
	storeDB, err := db.Open(dbPath)
	if err != nil {
		return nil, "", func() {}, err
	}
	return storeDB, workDir, func() { _ = storeDB.Close() }, nil
}

func loadConfig(workDir string) (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(".agentd", "config.json")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := config.ValidateSettings(viper.AllSettings()); err != nil {
		return config.Config{}, err
	}
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Planner.TimeoutSeconds <= 0 {
		cfg.Planner.TimeoutSeconds = 60
	}
	if cfg.Apply.StepTimeoutSeconds <= 0 {
		cfg.Apply.StepTimeoutSeconds = 30
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	return cfg, nil
}

func buildService(cfg config.Config, storeDB *sql.DB, docs document.Store) *service.Service {
	client := planner.NewClient(cfg.Planner.URL, &http.Client{
		Timeout: time.Duration(cfg.Planner.TimeoutSeconds) * time.Second,
	})
	locks := document.NewLockTable()
	eng := engine.New(docs, client, locks, time.Duration(cfg.Apply.StepTimeoutSeconds)*time.Second)
	led := ledger.New(storeDB)
	return service.New(client, eng, led, undo.New(led, docs, locks), recipe.NewStore(storeDB), docs)
}

func loadSnapshot(ctx context.Context, path string, docs document.Store) (*document.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	var snap document.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if snap.ID == "" {
		return nil, fmt.Errorf("document %s has no snapshot id", path)
	}
	if err := docs.Put(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func writeSnapshot(ctx context.Context, path, id string, docs document.Store) error {
	snap, err := docs.Get(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
