// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"matrixci/internal/matrix"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type (
	cellView struct {
		ID     string      `json:"id"`
		Values []valueView `json:"values"`
	}

	valueView struct {
		Axis  string `json:"axis"`
		Value string `json:"value"`
	}
)

// newMatrixCommand creates the `matrixci matrix` command.
func newMatrixCommand(app *App) *cobra.Command {
	var asJSON bool

	matrixCmd := &cobra.Command{
		Use:   "matrix",
		Short: "List the cells a run would execute",
		Long: `List the cells a run would execute, in dispatch order.

Cell IDs are stable across runs and are used in the run summary and logs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.fail(err)
			}
			cells, err := matrix.Expand(cfg.Matrix.Definition())
			if err != nil {
				return app.fail(err)
			}
			if asJSON {
				return printCellsJSON(app, cells)
			}
			for _, c := range cells {
				fmt.Fprintln(app.stdout, CmdStyle.Render(c.String()))
			}
			fmt.Fprintln(app.stdout, SubtitleStyle.Render(fmt.Sprintf("%d cell(s), at most %d in parallel", len(cells), cfg.Matrix.MaxParallel)))
			return nil
		},
	}

	matrixCmd.Flags().BoolVar(&asJSON, "json", false, "print cells as JSON")
	return matrixCmd
}

func printCellsJSON(app *App, cells []matrix.Cell) error {
	views := make([]cellView, 0, len(cells))
	for _, c := range cells {
		v := cellView{ID: c.String()}
		for _, av := range c.Values() {
			v.Values = append(v.Values, valueView{Axis: av.Axis, Value: av.Value})
		}
		views = append(views, v)
	}
	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cells: %w", err)
	}
	fmt.Fprintln(app.stdout, string(data))
	return nil
}
