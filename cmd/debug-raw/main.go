package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/route-beacon/nlrt/internal/journal"
	"github.com/route-beacon/nlrt/internal/kafka"
	"github.com/route-beacon/nlrt/internal/nlmsg"
	"github.com/twmb/franz-go/pkg/kgo"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  debug-raw [broker] [topic]   dump route events from Kafka")
	fmt.Fprintln(os.Stderr, "  debug-raw decode <hex>       dump one message, e.g. route_events.raw")
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		usage()
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "decode" {
		if len(os.Args) != 3 {
			usage()
			os.Exit(1)
		}
		b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(os.Args[2]), `\x`))
		if err != nil {
			fmt.Fprintf(os.Stderr, "hex: %v\n", err)
			os.Exit(1)
		}
		analyzeRaw(b)
		return
	}

	broker := "localhost:29092"
	topic := "nlrt.route-events"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("debug-raw-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== Kafka msg %d (partition=%d offset=%d key=%q, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, rec.Key, len(rec.Value))

			analyzeRecord(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total Kafka messages: %d\n", msgNum)
}

func analyzeRecord(value []byte) {
	ev, err := kafka.DecodeEvent(value)
	if err != nil {
		fmt.Printf("  DecodeEvent error: %v\n", err)
		return
	}
	fmt.Printf("  Event:  %s at %s\n", ev.EventID, ev.Time.Format(time.RFC3339Nano))
	fmt.Printf("  Op:     %s %s/%d gw=%q if=%q\n", ev.Op, ev.Destination, ev.Mask, ev.Gateway, ev.Interface)
	fmt.Printf("  Origin: %d seq=%d\n", ev.Origin, ev.Sequence)
	if len(ev.Raw) == 0 {
		fmt.Println("  (no raw request)")
		return
	}
	analyzeRaw(ev.Raw)
}

func analyzeRaw(stored []byte) {
	raw, err := journal.DecodeRaw(stored)
	if err != nil {
		fmt.Printf("  DecodeRaw error: %v\n", err)
		return
	}
	if len(raw) != len(stored) {
		fmt.Printf("  Raw: %d bytes (%d compressed)\n", len(raw), len(stored))
	} else {
		fmt.Printf("  Raw: %d bytes\n", len(raw))
	}
	m, err := nlmsg.Parse(raw)
	if err != nil {
		fmt.Printf("  Parse error: %v\n", err)
		if m == nil {
			fmt.Printf("  Hex: %s\n", hex.EncodeToString(raw))
			return
		}
	}
	nlmsg.Dump(prefixWriter{prefix: "  "}, m)
	if r, err := m.Route(); err == nil {
		fmt.Printf("  Prefix: %s\n", r.Prefix())
	}
}

// prefixWriter indents each line written to stdout.
type prefixWriter struct {
	prefix string
}

func (w prefixWriter) Write(p []byte) (int, error) {
	for _, line := range strings.SplitAfter(string(p), "\n") {
		if line == "" {
			continue
		}
		fmt.Print(w.prefix + line)
	}
	return len(p), nil
}
