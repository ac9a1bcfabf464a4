package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-facegrid/pkg/grid"
)

func newLayoutCmd() *cobra.Command {
	var (
		width, height int
		target        int
	)
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Show the grid shape for a viewport size",
		RunE: func(cmd *cobra.Command, args []string) error {
			if width <= 0 || height <= 0 {
				return fmt.Errorf("width and height must be positive")
			}
			l := grid.ComputeLayout(float64(width)/float64(height), target)
			fmt.Printf("%dx%d viewport: %d columns x %d rows = %d squares of %dpx\n",
				width, height, l.Cols, l.Rows, l.Capacity(), width/l.Cols)
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", 1920, "Viewport width in pixels")
	cmd.Flags().IntVar(&height, "height", 1080, "Viewport height in pixels")
	cmd.Flags().IntVar(&target, "squares", cfg.GridTarget, "Target number of squares")
	return cmd
}
