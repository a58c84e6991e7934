// Package display renders CLI results as JSON or pterm tables.
package display

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reportd/errors"
)

// ShouldOutputJSON reports whether cmd was asked for JSON, through its own
// --json flag or the root's persistent one
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd == nil {
		return false
	}
	if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
		v, _ := cmd.Flags().GetBool("json")
		return v
	}
	v, _ := cmd.Root().PersistentFlags().GetBool("json")
	return v
}

// OutputJSON prints v as indented JSON on stdout
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

// Table renders rows under header. An empty result prints a notice instead
// of an empty frame.
func Table(header []string, rows [][]string) error {
	if len(rows) == 0 {
		pterm.Info.Println("Nothing to show")
		return nil
	}
	data := make(pterm.TableData, 0, len(rows)+1)
	data = append(data, header)
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
