package commands

import (
	"fmt"
	"strconv"

	"github.com/conduit-lang/odm/internal/cli/ui"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/spf13/cobra"
)

// NewCollectionsCommand creates the collections command
func NewCollectionsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections and their document counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, release, err := opts.openStorage(cmd)
			if err != nil {
				return err
			}
			defer release()

			lister, ok := st.(storage.Lister)
			if !ok {
				return fmt.Errorf("the configured driver cannot list collections")
			}
			names, err := lister.ListCollections(cmd.Context())
			if err != nil {
				return err
			}

			table := ui.NewTable(cmd.OutOrStdout(), []string{"Collection", "Documents"}, &ui.TableOptions{NoColor: opts.noColor})
			for _, name := range names {
				n, err := count(cmd, st, name, nil)
				if err != nil {
					return err
				}
				table.AddRow(name, strconv.Itoa(n))
			}
			table.Render()
			return nil
		},
	}
}

// knownCollections returns the collection names of st, or nil when the
// driver cannot enumerate them
func knownCollections(cmd *cobra.Command, st storage.DocumentStorage) []string {
	lister, ok := st.(storage.Lister)
	if !ok {
		return nil
	}
	names, err := lister.ListCollections(cmd.Context())
	if err != nil {
		return nil
	}
	return names
}
