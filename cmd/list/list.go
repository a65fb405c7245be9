package list

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/protocols"
)

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered protocol parsers",
	Long:  `List registered protocol parsers and the anomaly events each can raise.`,
	Run:   listProtocols,
}

func listProtocols(cmd *cobra.Command, args []string) {
	registry := protocols.InitDefault()
	for _, name := range registry.Names() {
		id, _ := registry.ByName(name)
		parser := registry.Parser(id)

		fmt.Printf("%s\n", name)
		table := parser.Events()
		for i := 0; i < table.Len(); i++ {
			info, _ := table.InfoByID(i)
			kind := "transaction"
			if info.Type == applayer.EventTypeState {
				kind = "state"
			}
			fmt.Printf("  %3d  %-24s %s\n", info.ID, info.Name, kind)
		}
	}
}
