// Command cartdump rebuilds a terminal's cart from its store and journal,
// prints it, and optionally exports or re-imports it. Run it while posd is
// stopped: the store directory is locked by its owner.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offpos/internal/cart"
	"offpos/internal/changelog"
	"offpos/internal/logger"
	"offpos/internal/restore"
	"offpos/internal/snapshot"
	"offpos/internal/state"
)

type options struct {
	stateBackend string
	stateDir     string
	cartKey      string
	journal      string
	brokers      string
	topic        string
	partial      bool
	exportDir    string
	importID     string
	verbose      bool
}

func main() {
	var o options
	flag.StringVar(&o.stateBackend, "state-backend", "pebble", "state backend: memory|pebble|badger")
	flag.StringVar(&o.stateDir, "state-dir", "./data/posd", "state directory")
	flag.StringVar(&o.cartKey, "cart-key", snapshot.DefaultKey, "store key of the cart snapshot")
	flag.StringVar(&o.journal, "journal", "./changelog/cart.jsonl", "journal file to replay, empty to skip")
	flag.StringVar(&o.brokers, "kafka-brokers", "", "replay the journal from kafka instead, e.g. localhost:9092")
	flag.StringVar(&o.topic, "topic", "pos.cart-journal", "kafka journal topic")
	flag.BoolVar(&o.partial, "partial", false, "keep the valid lines of a damaged snapshot")
	flag.StringVar(&o.exportDir, "export", "", "export the rebuilt cart to <dir>/<uuid>/cart.json")
	flag.StringVar(&o.importID, "import", "", "write <export-dir>/<id>/cart.json back into the store; its seq is moved past the -journal file tail (kafka journals are not consulted)")
	flag.BoolVar(&o.verbose, "v", false, "log restore details")
	flag.Parse()

	if err := run(o); err != nil {
		log.Fatalf("cartdump failed: %v", err)
	}
}

func run(o options) error {
	l := zap.NewNop()
	if o.verbose {
		var err error
		if l, err = logger.New(logger.Config{Development: true, Encoding: "console"}); err != nil {
			return err
		}
	}

	st, err := state.Open(o.stateBackend, o.stateDir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer st.Close()
	snaps := snapshot.NewStoreSnapshotter(st, o.cartKey)

	if o.importID != "" {
		if o.exportDir == "" {
			return fmt.Errorf("-import needs -export to name the export directory")
		}
		s, err := snapshot.NewFilesystemSnapshotter(o.exportDir).ReadSnapshot(o.importID)
		if err != nil {
			return err
		}
		if s, err = restore.Import(snaps, o.journal, s); err != nil {
			return err
		}
		fmt.Printf("imported %s (seq %d, %d lines) into %s\n", o.importID, s.Seq, len(s.Lines), o.cartKey)
		return nil
	}

	ropts := []restore.Option{restore.WithPartialRecovery(o.partial), restore.WithLogger(l)}
	if o.journal != "" && o.brokers == "" {
		ropts = append(ropts, restore.WithJournalFile(o.journal))
	}
	res, err := restore.NewRestorer(snaps, ropts...).RestoreCart()
	if err != nil {
		return err
	}
	if o.brokers != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		brokers := changelog.SplitBrokers(strings.Split(o.brokers, ","))
		snap, applied, skipped, err := restore.ReplayKafka(ctx, brokers, o.topic, o.cartKey, res.Snapshot)
		if err != nil {
			return fmt.Errorf("replay kafka: %w", err)
		}
		res.Snapshot, res.Applied, res.Skipped = snap, applied, skipped
	}

	printCart(os.Stdout, res)

	if o.exportDir != "" {
		id := uuid.NewString()
		fs := snapshot.NewFilesystemSnapshotter(o.exportDir)
		if err := fs.WriteSnapshot(id, res.Snapshot); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Printf("exported to %s\n", fs.Path(id))
	}
	return nil
}

func printCart(out *os.File, res restore.Result) {
	s := cart.State{Lines: res.Snapshot.Lines}
	fmt.Fprintf(out, "seq %d (snapshot %d, replayed %d, skipped %d)", res.Snapshot.Seq, res.SnapshotSeq, res.Applied, res.Skipped)
	if res.Discarded {
		fmt.Fprint(out, ", stored snapshot was malformed")
	}
	if res.DroppedLines > 0 {
		fmt.Fprintf(out, ", %d lines dropped", res.DroppedLines)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tBATCH\tNAME\tQTY\tFREE\tPRICE\tDISCOUNT\tAMOUNT")
	for _, l := range s.Lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ProductID, l.Batch, l.Name,
			l.Quantity, l.FreeQuantity, l.UnitPrice, l.FlatDiscount, l.Amount().StringFixed(2))
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "lines %d  quantity %s  total %s  profit %s\n",
		s.Len(), s.TotalQuantity(), s.Total().StringFixed(2), s.TotalProfit().StringFixed(2))
}
