// Command forest-router starts one Forest overlay router: it parses the
// command-line surface (spec.md §6), builds the router tables either
// from local table files or from a remote network-manager boot
// handshake, and runs the input/forward/control loops until the
// configured run time elapses or it is signalled to stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jturner53/forest-router/internal/boot"
	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/config"
	"github.com/jturner53/forest-router/internal/console"
	"github.com/jturner53/forest-router/internal/control"
	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
	"github.com/jturner53/forest-router/internal/reliable"
	"github.com/jturner53/forest-router/internal/route"
	"github.com/jturner53/forest-router/internal/runtime"
	"github.com/jturner53/forest-router/internal/sched"
	"github.com/jturner53/forest-router/internal/telemetry"
)

const (
	numDescriptors   = 4096
	numBuffers       = 4096
	numWorkers       = 100
	workerQueueDepth = 16
	repeatHandlerCap = 4096

	statFileInterval = 30 * time.Second
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	flags, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Error("argument parsing failed", "error", err)
		os.Exit(1)
	}

	if err := run(flags, log); err != nil {
		log.Error("router exited with error", "error", err)
		os.Exit(1)
	}
}

func run(flags config.Flags, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.FinTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.FinTime)
		defer cancel()
	}

	store := packet.NewStore(numDescriptors, numBuffers)
	lt := linktbl.New()
	qm := sched.New(store)
	ct := comtree.New(lt, qm)
	rt := route.New(ct)
	it := iftbl.New()

	var myAdr packet.FAdr
	var leafPool *route.LeafPool

	switch flags.Mode {
	case config.ModeLocal:
		myAdr = flags.MyAdr
		// FirstLeafAdr/LastLeafAdr bound the address range that counts as
		// a local leaf for RouterOutProc's UNKNOWN_DEST/flood decision.
		// CONNECT-driven allocation out of this same range is not wired
		// yet (internal/runtime/control_handler.go covers topology ops
		// only); the pool is built regardless so the range check works.
		if flags.FirstLeafAdr != 0 || flags.LastLeafAdr != 0 {
			leafPool = route.NewLeafPool(flags.FirstLeafAdr, flags.LastLeafAdr)
		}
		if err := loadLocalTables(flags, it, lt, ct, rt); err != nil {
			return fmt.Errorf("loading local tables: %w", err)
		}
	case config.ModeRemote:
		res, conn, err := runBootHandshake(ctx, flags, log)
		if err != nil {
			return fmt.Errorf("boot handshake: %w", err)
		}
		myAdr = res.MyAdr
		localAddr := conn.LocalAddr().(*net.UDPAddr)
		if _, err := it.AddEntryWithConn(1, conn, flags.BootIP, uint16(localAddr.Port),
			iftbl.RateSpec{BitRate: 1_000_000, PktRate: 1000}); err != nil {
			return fmt.Errorf("registering boot interface: %w", err)
		}
		if _, err := lt.AddLink(0, 1, res.RtrIP, res.RtrPort, linktbl.PeerRouter, res.RtrAdr,
			iftbl.RateSpec{BitRate: 1_000_000, PktRate: 1000}, res.Nonce); err != nil {
			return fmt.Errorf("registering router peer link: %w", err)
		}
	default:
		return fmt.Errorf("unrecognised mode %q", flags.Mode)
	}

	repeater := reliable.NewRepeater()
	repHandler := reliable.NewRepeatHandler(repeatHandlerCap)

	handler := runtime.NewControlHandler(runtime.HandlerTables{
		MyAdr:   myAdr,
		Store:   store,
		Iftbl:   it,
		Linktbl: lt,
		Comtree: ct,
		Route:   rt,
		Logger:  log,
	})
	pool := control.NewPool(control.PoolConfig{
		NumWorkers: numWorkers,
		QueueDepth: workerQueueDepth,
		Handler:    handler,
		Logger:     log,
	})

	router := runtime.New(runtime.Config{
		MyAdr:      myAdr,
		Iftbl:      it,
		Linktbl:    lt,
		Comtree:    ct,
		Route:      rt,
		LeafPool:   leafPool,
		Sched:      qm,
		Store:      store,
		Repeater:   repeater,
		RepHandler: repHandler,
		Control:    pool,
		Logger:     log,
	})

	stopStats := startStatsSink(ctx, flags.StatSpec, adrString(myAdr), router, log)
	defer stopStats()

	var adminConsole *console.Console
	if dev := os.Getenv("FOREST_CONSOLE_DEV"); dev != "" {
		adminConsole = console.New(console.Config{
			Port: dev,
			Handler: console.NewRouterHandler(console.RouterTables{
				Iftbl:   it,
				Linktbl: lt,
				Comtree: ct,
				Stats:   router,
			}),
			Logger: log,
		})
		go func() {
			if err := adminConsole.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("admin console stopped", "error", err)
			}
		}()
	}

	go pool.Run(ctx)

	log.Info("router starting", "myAdr", adrString(myAdr), "mode", string(flags.Mode))
	err := router.Run(ctx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		log.Info("router stopped", "reason", err)
		return nil
	}
	return err
}

func adrString(a packet.FAdr) string { return fmt.Sprintf("%d.%d", a.Zip(), a.Local()) }

// startStatsSink implements spec.md §6's "stats are appended to a stat
// file": when statSpec names an MQTT broker URL (tcp://, ssl://, ws://
// or wss://), stats are instead published there via internal/telemetry,
// generalizing the single stat file into a remote sink. Returns a stop
// function the caller should defer.
func startStatsSink(ctx context.Context, statSpec, routerID string, src telemetry.Source, log *slog.Logger) func() {
	if statSpec == "" {
		return func() {}
	}
	if strings.HasPrefix(statSpec, "tcp://") || strings.HasPrefix(statSpec, "ssl://") ||
		strings.HasPrefix(statSpec, "ws://") || strings.HasPrefix(statSpec, "wss://") {
		pub := telemetry.New(telemetry.Config{Broker: statSpec, RouterID: routerID, Logger: log})
		if err := pub.Start(ctx); err != nil {
			log.Warn("telemetry publisher did not start", "error", err)
			return func() {}
		}
		go pub.Run(ctx, src)
		return pub.Stop
	}

	f, err := os.OpenFile(statSpec, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn("could not open stat file", "path", statSpec, "error", err)
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(statFileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeStatLine(f, src)
			}
		}
	}()
	return func() {
		<-done
		f.Close()
	}
}

func writeStatLine(w io.Writer, src telemetry.Source) {
	line := telemetry.Snapshot{
		Timestamp: src.Now(),
		Discards:  src.Discards(),
		InCounts:  src.InCounts(),
		OutCounts: src.OutCounts(),
		Store:     src.StoreStats(),
	}
	body, err := json.Marshal(line)
	if err != nil {
		return
	}
	w.Write(append(body, '\n'))
}

func loadLocalTables(flags config.Flags, it *iftbl.Table, lt *linktbl.Table, ct *comtree.Table, rt *route.Table) error {
	ifaces, err := readTable(flags.IfTbl, config.ParseInterfaceTable)
	if err != nil {
		return fmt.Errorf("interface table: %w", err)
	}
	for _, spec := range ifaces {
		if _, err := it.AddEntry(spec.IfNum, spec.IP, spec.Port, spec.Rates); err != nil {
			return fmt.Errorf("interface table: if %d: %w", spec.IfNum, err)
		}
	}

	links, err := readTable(flags.LnkTbl, config.ParseLinkTable)
	if err != nil {
		return fmt.Errorf("link table: %w", err)
	}
	for _, spec := range links {
		if _, err := lt.AddLink(spec.LinkNum, spec.Iface, spec.PeerIP, spec.PeerPort,
			spec.PeerType, spec.PeerAdr, spec.Rates, spec.Nonce); err != nil {
			return fmt.Errorf("link table: link %d: %w", spec.LinkNum, err)
		}
	}

	comtrees, err := readTable(flags.ComtTbl, config.ParseComtreeTable)
	if err != nil {
		return fmt.Errorf("comtree table: %w", err)
	}
	for _, spec := range comtrees {
		if err := applyComtreeSpec(ct, spec); err != nil {
			return fmt.Errorf("comtree table: comtree %d: %w", spec.Comtree, err)
		}
	}

	routes, err := readTable(flags.RteTbl, config.ParseRouteTable)
	if err != nil {
		return fmt.Errorf("route table: %w", err)
	}
	for _, spec := range routes {
		if err := applyRouteSpec(rt, spec); err != nil {
			return fmt.Errorf("route table: comtree %d dest %v: %w", spec.Comtree, spec.Dest, err)
		}
	}
	return nil
}

func applyComtreeSpec(ct *comtree.Table, spec config.ComtreeSpec) error {
	if _, err := ct.AddEntry(spec.Comtree); err != nil {
		return err
	}
	if err := ct.SetCoreFlag(spec.Comtree, spec.InCore); err != nil {
		return err
	}
	for _, lnk := range spec.Links {
		if err := ct.AddLink(spec.Comtree, lnk.Link, lnk.IsRouter, lnk.IsCore); err != nil {
			return err
		}
		dest := spec.DefaultDest
		if lnk.OverrideDest != 0 {
			dest = lnk.OverrideDest
		}
		if err := ct.SetLinkDest(spec.Comtree, lnk.Link, dest); err != nil {
			return err
		}
		rates := spec.DefaultRates
		if lnk.OverrideRates != nil {
			rates = *lnk.OverrideRates
		}
		if err := ct.SetLinkRates(spec.Comtree, lnk.Link, rates); err != nil {
			return err
		}
	}
	if spec.ParentLink != 0 {
		if err := ct.SetParentLink(spec.Comtree, spec.ParentLink); err != nil {
			return err
		}
	}
	return nil
}

func applyRouteSpec(rt *route.Table, spec config.RouteSpec) error {
	if spec.Dest.IsMulticast() {
		for _, lnk := range spec.Links {
			if _, _, err := rt.Subscribe(spec.Comtree, spec.Dest, lnk); err != nil {
				return err
			}
		}
		return nil
	}
	if len(spec.Links) != 1 {
		return fmt.Errorf("unicast route must name exactly one link, got %v", spec.Links)
	}
	return rt.AddUnicast(spec.Comtree, spec.Dest, spec.Links[0])
}

func readTable[T any](path string, parse func(r io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

// runBootHandshake returns the boot socket alongside the handshake
// result (on success) so the caller can fold it directly into the
// interface table rather than binding a second socket at the same
// address (see boot.Boot.Conn's doc comment).
func runBootHandshake(ctx context.Context, flags config.Flags, log *slog.Logger) (boot.Result, *net.UDPConn, error) {
	b, err := boot.New(boot.Config{
		MyAdr:  flags.MyAdr,
		BootIP: flags.BootIP,
		NmIP:   flags.NmIP,
		NmPort: flags.NmPort,
		Logger: log,
	})
	if err != nil {
		return boot.Result{}, nil, err
	}
	res, err := b.Run(ctx)
	if err != nil {
		b.Close()
		return boot.Result{}, nil, err
	}
	return res, b.Conn(), nil
}
