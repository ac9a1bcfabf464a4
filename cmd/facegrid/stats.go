package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-facegrid/internal/httpc"
	"github.com/teslashibe/go-facegrid/pkg/settings"
	"github.com/teslashibe/go-facegrid/pkg/stats"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print backend server and index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := stats.Fetch(cmd.Context(), httpc.Client, cfg.StatsURL())
			if err != nil {
				return fmt.Errorf("fetch stats: %w", err)
			}

			fmt.Printf("Server: %s (%d connections, analyzer ready: %v)\n",
				r.Server.Status, r.Server.ActiveConnections, r.Server.FaceAnalyzerInitialized)
			if !r.Connected {
				fmt.Println("Search cluster: disconnected")
				return nil
			}
			for _, name := range r.IndexNames() {
				idx := r.Indices[name]
				if idx.Error != "" {
					fmt.Printf("  %-28s error: %s\n", name, idx.Error)
					continue
				}
				fmt.Printf("  %-28s docs=%-10d vectors=%-10d off-heap=%.1fMB\n",
					name, idx.Docs, idx.Vectors, float64(idx.OffHeapBytes)/(1024*1024))
			}

			selected := settings.Default().Query().Selected()
			fmt.Printf("Searchable with default indices: %d vectors\n", r.CorpusSize(selected))
			return nil
		},
	}
}
