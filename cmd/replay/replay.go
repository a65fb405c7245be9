package replay

import (
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"github.com/endorses/clawcat/internal/pkg/filesink"
	"github.com/endorses/clawcat/internal/pkg/flow"
	"github.com/endorses/clawcat/internal/pkg/logger"
	"github.com/endorses/clawcat/internal/pkg/protocols"
)

var ReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a pcap file through the protocol parsers",
	Long:  `Replay a pcap file through the protocol parsers. Flows are detected, parsed and their transactions reported.`,
	RunE:  replay,
}

var (
	readFile     string
	extractFiles bool
)

func replay(cmd *cobra.Command, args []string) error {
	logger.Initialize()

	f, err := os.Open(readFile)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("read capture: %w", err)
	}

	var sink filesink.Sink
	var memSink *filesink.MemorySink
	if extractFiles {
		memSink = filesink.NewMemorySink()
		sink = memSink
	}
	engine := flow.NewEngine(protocols.InitDefault(), sink)
	defer engine.Close()

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	for pkt := range source.Packets() {
		engine.Feed(pkt)
	}

	stats := engine.Stats()
	logger.Info("replay finished",
		"packets", stats.Packets,
		"payloads", stats.Payloads,
		"flows", stats.Flows,
		"transactions", stats.Transactions)
	if memSink != nil {
		logger.Info("extracted files", "count", memSink.Len())
	}
	return nil
}

func init() {
	ReplayCmd.Flags().StringVarP(&readFile, "read-file", "r", "", "pcap file to replay")
	ReplayCmd.Flags().BoolVar(&extractFiles, "extract-files", false, "collect file content carried by parsed flows")
	ReplayCmd.MarkFlagRequired("read-file")
}
