// Command uartharness validates a physical UART link between two machines
// by running one side as the Responder ("auto") and the other as the
// Orchestrator ("test"), per spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/shaunagostinho/uartharness/internal/planner"
	"github.com/shaunagostinho/uartharness/internal/portio"
	"github.com/shaunagostinho/uartharness/internal/registry"
	"github.com/shaunagostinho/uartharness/internal/reporter"
	"github.com/shaunagostinho/uartharness/internal/role"
)

const (
	exitOK            = 0
	exitTestFailed    = 1
	exitProtocolOrIO  = 2
	exitBadInvocation = 3
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitBadInvocation)
	}

	var code int
	switch os.Args[1] {
	case "auto":
		code = runAuto(os.Args[2:])
	case "test":
		code = runTest(os.Args[2:])
	default:
		usage()
		code = exitBadInvocation
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: uartharness <auto|test> [flags]")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()
	return ctx, cancel
}

func runAuto(args []string) int {
	fs := flag.NewFlagSet("auto", flag.ExitOnError)
	dev := fs.String("dev", "", "serial device path (required)")
	maxBaud := fs.Uint("max-baud", role.DefaultMaxBaud, "advertised baud ceiling for capability handshake")
	fs.Parse(args)
	if *dev == "" {
		fmt.Fprintln(os.Stderr, "auto: --dev is required")
		return exitBadInvocation
	}

	port, err := portio.Open(*dev)
	if err != nil {
		log.Printf("[main] open %s: %v", *dev, err)
		return exitProtocolOrIO
	}
	defer port.Close()

	ctx, cancel := signalContext()
	defer cancel()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	if err := role.RunResponder(port, uint32(*maxBaud), stop); err != nil {
		log.Printf("[main] responder exited: %v", err)
		return exitProtocolOrIO
	}
	return exitOK
}

func runTest(args []string) int {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	dev := fs.String("dev", "", "serial device path (required)")
	tests := fs.String("tests", "max-rate,fifo-residue", "comma-separated test names")
	bauds := fs.String("bauds", "115200,57600,38400,19200,9600", "comma-separated baud rates")
	parity := fs.String("parity", "none", "comma-separated parity settings")
	bits := fs.String("bits", "8", "comma-separated data bit widths")
	dir := fs.String("dir", "tx,rx", "comma-separated directions")
	flow := fs.String("flow", "none", "comma-separated flow control settings")
	payload := fs.Int("payload", 32, "payload size in bytes")
	frames := fs.Uint64("frames", 200, "frame count per case")
	durationMs := fs.Uint64("duration-ms", 0, "overrides --frames with a wall-clock duration")
	fifoAll := fs.Bool("fifo-all-configs", false, "run fifo-residue across the full matrix, not just the control config")
	testDefs := fs.String("test-defs", "", "path to a YAML file of additional test case definitions")
	monitorAddr := fs.String("monitor-addr", "", "optional listen address for the live WebSocket monitor")
	maxBaud := fs.Uint("max-baud", role.DefaultMaxBaud, "advertised baud ceiling for capability handshake")
	fs.Parse(args)

	if *dev == "" {
		fmt.Fprintln(os.Stderr, "test: --dev is required")
		return exitBadInvocation
	}

	filters, err := buildFilters(*tests, *bauds, *parity, *bits, *dir, *flow, *payload, *frames, *durationMs, *fifoAll)
	if err != nil {
		fmt.Fprintln(os.Stderr, "test:", err)
		return exitBadInvocation
	}

	regFile, err := registry.Load(*testDefs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "test:", err)
		return exitBadInvocation
	}
	registry.Apply(regFile)

	port, err := portio.Open(*dev)
	if err != nil {
		log.Printf("[main] open %s: %v", *dev, err)
		return exitProtocolOrIO
	}
	defer port.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var mon *reporter.Monitor
	if *monitorAddr != "" {
		mon = reporter.NewMonitor(*monitorAddr)
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Printf("[main] monitor exited: %v", err)
			}
		}()
	}
	rep := reporter.New("orchestrator", mon)

	allPass, err := role.RunOrchestrator(port, filters, uint32(*maxBaud), rep)
	if err != nil {
		log.Printf("[main] orchestrator exited: %v", err)
		return exitProtocolOrIO
	}
	if !allPass {
		return exitTestFailed
	}
	return exitOK
}

func buildFilters(testsCSV, baudsCSV, parityCSV, bitsCSV, dirCSV, flowCSV string, payload int, frames, durationMs uint64, fifoAll bool) (planner.Filters, error) {
	if durationMs > 0 {
		frames = 0 // a duration replaces the frame count
	}
	f := planner.Filters{
		Tests:          splitCSV(testsCSV),
		PayloadSize:    payload,
		Frames:         frames,
		DurationMs:     durationMs,
		FifoAllConfigs: fifoAll,
	}

	for _, b := range splitCSV(baudsCSV) {
		n, err := strconv.ParseUint(b, 10, 32)
		if err != nil {
			return f, fmt.Errorf("bad baud %q: %w", b, err)
		}
		f.Bauds = append(f.Bauds, uint32(n))
	}
	for _, p := range splitCSV(parityCSV) {
		parsed, ok := portio.ParseParity(p)
		if !ok {
			return f, fmt.Errorf("bad parity %q", p)
		}
		f.Parities = append(f.Parities, parsed)
	}
	for _, b := range splitCSV(bitsCSV) {
		n, err := strconv.Atoi(b)
		if err != nil {
			return f, fmt.Errorf("bad bits %q: %w", b, err)
		}
		f.Bits = append(f.Bits, n)
	}
	for _, d := range splitCSV(dirCSV) {
		parsed, ok := planner.ParseDirection(d)
		if !ok {
			return f, fmt.Errorf("bad direction %q", d)
		}
		f.Dirs = append(f.Dirs, parsed)
	}
	for _, fl := range splitCSV(flowCSV) {
		parsed, ok := portio.ParseFlow(fl)
		if !ok {
			return f, fmt.Errorf("bad flow %q", fl)
		}
		f.Flows = append(f.Flows, parsed)
	}
	return f, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
