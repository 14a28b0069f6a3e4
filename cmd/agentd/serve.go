package main

import (
	"fmt"
	"net/http"

	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/web"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent operation API server",
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
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			docs := document.NewMemoryStore()
			svc := buildService(cfg, storeDB, docs)
			server := web.NewServer(svc, docs)

			fmt.Printf("Listening on %s\n", cfg.HTTP.Addr)
			return http.ListenAndServe(cfg.HTTP.Addr, server.Routes())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
