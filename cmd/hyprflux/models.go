package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hyprflux/internal/catalog"
)

var modelsCmd = &cobra.Command{
	Use:   "models [image|video]",
	Short: "List the models and their fields",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := catalog.Embedded()
		if err != nil {
			return err
		}
		kinds := []catalog.Kind{catalog.KindImage, catalog.KindVideo}
		if len(args) == 1 {
			kind, err := catalog.ParseKind(args[0])
			if err != nil {
				return err
			}
			kinds = []catalog.Kind{kind}
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for i, kind := range kinds {
			if i > 0 {
				fmt.Fprintln(tw)
			}
			fmt.Fprintf(tw, "%s models (default %s)\n", kind, c.DefaultModel(kind))
			fmt.Fprintln(tw, "FAMILY\tMODEL\tFIELDS")
			for _, e := range c.Models(kind) {
				family := ""
				if e.Family != nil {
					family = e.Family.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", family, e.ID, fieldList(e))
			}
		}
		return tw.Flush()
	},
}

// fieldList names the fields of a model, required ones marked with *.
func fieldList(e *catalog.Entry) string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Name == "model" {
			continue
		}
		name := f.Name
		if f.Required {
			name += "*"
		}
		names = append(names, name)
	}
	return strings.Join(names, " ")
}
