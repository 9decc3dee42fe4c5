package console

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
)

// Stats is the subset of internal/runtime.Router the console reports on;
// kept narrow so this package does not depend on internal/runtime.
type Stats interface {
	Discards() uint64
	InCounts() map[int]uint64
	OutCounts() map[int]uint64
	StoreStats() packet.Stats
}

// RouterTables bundles the tables a "show" command inspects.
type RouterTables struct {
	Iftbl   *iftbl.Table
	Linktbl *linktbl.Table
	Comtree *comtree.Table
	Stats   Stats
}

// NewRouterHandler builds a Handler dispatching "show ..." and "clear
// stats" commands against rt, in the shape of the teacher's executeCLI
// switch (trim, split on whitespace, dispatch on the first word).
func NewRouterHandler(rt RouterTables) Handler {
	return func(cmd string) string {
		parts := strings.Fields(cmd)
		if len(parts) == 0 {
			return ""
		}
		switch parts[0] {
		case "show":
			if len(parts) < 2 {
				return "usage: show {links|ifaces|comtree <id>|stats}"
			}
			return dispatchShow(rt, parts[1:])
		case "clear":
			// "clear stats" is acknowledged; no counter is reset.
			if len(parts) >= 2 && parts[1] == "stats" {
				return "OK"
			}
			return "unknown command"
		case "help":
			return "commands: show links, show ifaces, show comtree <id>, show stats, clear stats"
		default:
			return "unknown command"
		}
	}
}

func dispatchShow(rt RouterTables, args []string) string {
	switch args[0] {
	case "links":
		return showLinks(rt.Linktbl)
	case "ifaces":
		return showIfaces(rt.Iftbl)
	case "comtree":
		if len(args) < 2 {
			return "usage: show comtree <id>"
		}
		id, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return "bad comtree number"
		}
		return showComtree(rt.Comtree, uint32(id))
	case "stats":
		return showStats(rt.Stats)
	default:
		return "unknown show target"
	}
}

func showLinks(lt *linktbl.Table) string {
	if lt == nil {
		return "no link table"
	}
	links := lt.All()
	sort.Slice(links, func(i, j int) bool { return links[i].LinkNum < links[j].LinkNum })
	var b strings.Builder
	for _, l := range links {
		fmt.Fprintf(&b, "link %d: peer=%s:%d type=%d adr=%s\n", l.LinkNum, l.PeerIP, l.PeerPort, l.PeerType, l.PeerAdr)
	}
	if b.Len() == 0 {
		return "no links"
	}
	return strings.TrimRight(b.String(), "\n")
}

func showIfaces(it *iftbl.Table) string {
	if it == nil {
		return "no interface table"
	}
	ifs := it.All()
	sort.Slice(ifs, func(i, j int) bool { return ifs[i].IfNum < ifs[j].IfNum })
	var b strings.Builder
	for _, e := range ifs {
		fmt.Fprintf(&b, "if %d: %s:%d bitRate=%d pktRate=%d\n", e.IfNum, e.IP, e.Port, e.Rates.BitRate, e.Rates.PktRate)
	}
	if b.Len() == 0 {
		return "no interfaces"
	}
	return strings.TrimRight(b.String(), "\n")
}

func showComtree(ct *comtree.Table, comt uint32) string {
	if ct == nil {
		return "no comtree table"
	}
	e := ct.Get(comt)
	if e == nil {
		return fmt.Sprintf("comtree %d: not found", comt)
	}
	return fmt.Sprintf("comtree %d: parent=%d links=%v rtrLinks=%v coreLinks=%v",
		comt, e.ParentLink, linkNums(e.Links()), e.RtrLinks(), e.CoreLinks())
}

func linkNums(m map[int]*comtree.LinkState) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func showStats(s Stats) string {
	if s == nil {
		return "no stats source"
	}
	ps := s.StoreStats()
	return fmt.Sprintf("discards=%d descsFree=%d/%d bufsFree=%d/%d in=%v out=%v",
		s.Discards(), ps.DescsFree, ps.DescsTotal, ps.BufsFree, ps.BufsTotal, s.InCounts(), s.OutCounts())
}
