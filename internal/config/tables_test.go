package config

import (
	"strings"
	"testing"

	"github.com/jturner53/forest-router/internal/linktbl"
)

func TestParseInterfaceTable(t *testing.T) {
	in := "2\n1 10.0.0.1:30000 1000000 1000\n2 10.0.0.2:30001 2000000 2000\n"
	specs, err := ParseInterfaceTable(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseInterfaceTable: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(specs))
	}
	if specs[0].IfNum != 1 || specs[0].Port != 30000 || specs[0].Rates.BitRate != 1000000 {
		t.Fatalf("unexpected first entry: %+v", specs[0])
	}
}

func TestParseLinkTable(t *testing.T) {
	in := "1\n7 10.0.0.5:30000 ROUTER 2.1 1 1000000,1000 0xdead\n"
	specs, err := ParseLinkTable(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseLinkTable: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(specs))
	}
	s := specs[0]
	if s.LinkNum != 7 || s.PeerType != linktbl.PeerRouter || s.Iface != 1 || s.Nonce != 0xdead {
		t.Fatalf("unexpected entry: %+v", s)
	}
	if s.PeerAdr.Zip() != 2 || s.PeerAdr.Local() != 1 {
		t.Fatalf("unexpected peerAdr: %v", s.PeerAdr)
	}
}

func TestParseComtreeTable(t *testing.T) {
	in := "1\n100 * 3 0.0 1000000,1000 { 3* 5+ 7(9.1)(500000,500) }\n"
	specs, err := ParseComtreeTable(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseComtreeTable: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(specs))
	}
	s := specs[0]
	if s.Comtree != 100 || !s.InCore || s.ParentLink != 3 {
		t.Fatalf("unexpected header: %+v", s)
	}
	if len(s.Links) != 3 {
		t.Fatalf("expected 3 links, got %d: %+v", len(s.Links), s.Links)
	}
	if s.Links[0].Link != 3 || !s.Links[0].IsCore || !s.Links[0].IsRouter {
		t.Fatalf("unexpected link 0: %+v", s.Links[0])
	}
	if s.Links[1].Link != 5 || !s.Links[1].IsRouter || s.Links[1].IsCore {
		t.Fatalf("unexpected link 1: %+v", s.Links[1])
	}
	if s.Links[2].Link != 7 || s.Links[2].OverrideRates == nil || s.Links[2].OverrideRates.BitRate != 500000 {
		t.Fatalf("unexpected link 2: %+v", s.Links[2])
	}
}

func TestParseRouteTable(t *testing.T) {
	in := "2\n100 9.5 7\n100 33.1 { 2 3 4 }\n"
	specs, err := ParseRouteTable(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseRouteTable: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(specs))
	}
	if specs[0].Comtree != 100 || len(specs[0].Links) != 1 || specs[0].Links[0] != 7 {
		t.Fatalf("unexpected first route: %+v", specs[0])
	}
	if len(specs[1].Links) != 3 {
		t.Fatalf("unexpected second route links: %+v", specs[1].Links)
	}
}

func TestParseBlankLinesAndCommentsSkipped(t *testing.T) {
	in := "# header comment\n2\n\n1 10.0.0.1:30000 1000000 1000\n# mid comment\n2 10.0.0.2:30001 2000000 2000\n"
	specs, err := ParseInterfaceTable(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseInterfaceTable: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(specs))
	}
}
