// Package config parses the four startup table files (spec.md §6) and the
// command-line surface for local and remote boot modes.
//
// Grounded on spec.md §6's file formats; no teacher file reads a line-
// record config format, so the scanning idiom follows the pack's other
// simple field-by-field readers (e.g. core/codec's binary field reads,
// adapted here to whitespace-delimited text via bufio.Scanner).
package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
)

// IfaceSpec is one line of the interface table file:
// "ifnum ipAddress:port bitRate pktRate".
type IfaceSpec struct {
	IfNum int
	IP    net.IP
	Port  uint16
	Rates iftbl.RateSpec
}

// LinkSpec is one line of the link table file:
// "lnum peerIp:peerPort peerType peerAdr iface bitRate,pktRate nonce".
type LinkSpec struct {
	LinkNum  int
	PeerIP   net.IP
	PeerPort uint16
	PeerType linktbl.PeerType
	PeerAdr  packet.FAdr
	Iface    int
	Rates    iftbl.RateSpec
	Nonce    uint64
}

// ComtreeLinkSpec is one link entry inside a comtree table row's brace
// list: "link[+|*][(overrideDest) (overrideRates)]".
type ComtreeLinkSpec struct {
	Link         int
	IsRouter     bool // '+' suffix
	IsCore       bool // '*' suffix
	OverrideDest uint32
	OverrideRates *iftbl.RateSpec
}

// ComtreeSpec is one row of the comtree table file.
type ComtreeSpec struct {
	Comtree      uint32
	InCore       bool // '*' immediately after the comtree number
	ParentLink   int
	DefaultDest  uint32
	DefaultRates iftbl.RateSpec
	Links        []ComtreeLinkSpec
}

// RouteSpec is one row of the routing table file:
// "comtree destination link-or-link-list".
type RouteSpec struct {
	Comtree uint32
	Dest    packet.FAdr
	Links   []int
}

var peerTypeNames = map[string]linktbl.PeerType{
	"CLIENT":     linktbl.PeerClient,
	"ROUTER":     linktbl.PeerRouter,
	"CONTROLLER": linktbl.PeerController,
	"TRUSTED":    linktbl.PeerTrusted,
}

// lineReader yields non-blank, non-comment lines from r, trimmed.
type lineReader struct {
	sc *bufio.Scanner
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{sc: bufio.NewScanner(r)}
}

func (lr *lineReader) next() (string, bool) {
	for lr.sc.Scan() {
		line := strings.TrimSpace(lr.sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, true
	}
	return "", false
}

func (lr *lineReader) count() (int, error) {
	line, ok := lr.next()
	if !ok {
		return 0, fmt.Errorf("config: missing line count")
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("config: bad line count %q: %w", line, err)
	}
	return n, nil
}

func splitHostPort(s string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, 0, fmt.Errorf("config: bad ip:port %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("config: bad ip address %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("config: bad port %q: %w", portStr, err)
	}
	return ip, uint16(port), nil
}

// ParseInterfaceTable reads the interface table file format (§6).
func ParseInterfaceTable(r io.Reader) ([]IfaceSpec, error) {
	lr := newLineReader(r)
	n, err := lr.count()
	if err != nil {
		return nil, err
	}
	out := make([]IfaceSpec, 0, n)
	for i := 0; i < n; i++ {
		line, ok := lr.next()
		if !ok {
			return nil, fmt.Errorf("config: interface table: expected %d entries, got %d", n, i)
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("config: interface table: bad line %q", line)
		}
		ifnum, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("config: interface table: bad ifnum %q: %w", fields[0], err)
		}
		ip, port, err := splitHostPort(fields[1])
		if err != nil {
			return nil, err
		}
		bitRate, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("config: interface table: bad bitRate %q: %w", fields[2], err)
		}
		pktRate, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("config: interface table: bad pktRate %q: %w", fields[3], err)
		}
		out = append(out, IfaceSpec{IfNum: ifnum, IP: ip, Port: port, Rates: iftbl.RateSpec{BitRate: bitRate, PktRate: pktRate}})
	}
	return out, nil
}

// ParseLinkTable reads the link table file format (§6).
func ParseLinkTable(r io.Reader) ([]LinkSpec, error) {
	lr := newLineReader(r)
	n, err := lr.count()
	if err != nil {
		return nil, err
	}
	out := make([]LinkSpec, 0, n)
	for i := 0; i < n; i++ {
		line, ok := lr.next()
		if !ok {
			return nil, fmt.Errorf("config: link table: expected %d entries, got %d", n, i)
		}
		fields := strings.Fields(line)
		if len(fields) != 7 {
			return nil, fmt.Errorf("config: link table: bad line %q", line)
		}
		lnum, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("config: link table: bad lnum %q: %w", fields[0], err)
		}
		peerIP, peerPort, err := splitHostPort(fields[1])
		if err != nil {
			return nil, err
		}
		pt, ok := peerTypeNames[strings.ToUpper(fields[2])]
		if !ok {
			return nil, fmt.Errorf("config: link table: unknown peer type %q", fields[2])
		}
		peerAdr, err := parseFAdr(fields[3])
		if err != nil {
			return nil, err
		}
		iface, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("config: link table: bad iface %q: %w", fields[4], err)
		}
		rates, err := parseRates(fields[5])
		if err != nil {
			return nil, err
		}
		nonce, err := strconv.ParseUint(fields[6], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("config: link table: bad nonce %q: %w", fields[6], err)
		}
		out = append(out, LinkSpec{
			LinkNum: lnum, PeerIP: peerIP, PeerPort: peerPort, PeerType: pt,
			PeerAdr: peerAdr, Iface: iface, Rates: rates, Nonce: nonce,
		})
	}
	return out, nil
}

// parseFAdr accepts either a decimal 32-bit value or "zip.local".
func parseFAdr(s string) (packet.FAdr, error) {
	if zip, local, ok := strings.Cut(s, "."); ok {
		z, err := strconv.ParseUint(zip, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("config: bad forest address %q: %w", s, err)
		}
		l, err := strconv.ParseUint(local, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("config: bad forest address %q: %w", s, err)
		}
		return packet.NewFAdr(uint16(z), uint16(l)), nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("config: bad forest address %q: %w", s, err)
	}
	return packet.FAdr(v), nil
}

// parseRates accepts "bitRate,pktRate" or "bitRate/pktRate".
func parseRates(s string) (iftbl.RateSpec, error) {
	sep := ","
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 {
		return iftbl.RateSpec{}, fmt.Errorf("config: bad rate spec %q", s)
	}
	bitRate, err := strconv.Atoi(parts[0])
	if err != nil {
		return iftbl.RateSpec{}, fmt.Errorf("config: bad bitRate in %q: %w", s, err)
	}
	pktRate, err := strconv.Atoi(parts[1])
	if err != nil {
		return iftbl.RateSpec{}, fmt.Errorf("config: bad pktRate in %q: %w", s, err)
	}
	return iftbl.RateSpec{BitRate: bitRate, PktRate: pktRate}, nil
}

// ParseComtreeTable reads the comtree table file format (§6):
// "comt [*] parentLink defaultDest defaultRates { link[+|*][(dest) (rates)] ... }".
func ParseComtreeTable(r io.Reader) ([]ComtreeSpec, error) {
	lr := newLineReader(r)
	n, err := lr.count()
	if err != nil {
		return nil, err
	}
	out := make([]ComtreeSpec, 0, n)
	for i := 0; i < n; i++ {
		line, ok := lr.next()
		if !ok {
			return nil, fmt.Errorf("config: comtree table: expected %d entries, got %d", n, i)
		}
		spec, err := parseComtreeLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseComtreeLine(line string) (ComtreeSpec, error) {
	open := strings.IndexByte(line, '{')
	shut := strings.LastIndexByte(line, '}')
	if open < 0 || shut < 0 || shut < open {
		return ComtreeSpec{}, fmt.Errorf("config: comtree table: missing link list braces in %q", line)
	}
	head := strings.Fields(line[:open])
	if len(head) < 3 {
		return ComtreeSpec{}, fmt.Errorf("config: comtree table: bad header in %q", line)
	}

	idx := 0
	comtTok := head[idx]
	idx++
	inCore := false
	if idx < len(head) && head[idx] == "*" {
		inCore = true
		idx++
	} else if strings.HasSuffix(comtTok, "*") {
		inCore = true
		comtTok = strings.TrimSuffix(comtTok, "*")
	}
	comt, err := strconv.ParseUint(comtTok, 10, 32)
	if err != nil {
		return ComtreeSpec{}, fmt.Errorf("config: comtree table: bad comtree number %q: %w", comtTok, err)
	}
	if idx+2 >= len(head) {
		return ComtreeSpec{}, fmt.Errorf("config: comtree table: bad header in %q", line)
	}
	parentLink, err := strconv.Atoi(head[idx])
	if err != nil {
		return ComtreeSpec{}, fmt.Errorf("config: comtree table: bad parentLink %q: %w", head[idx], err)
	}
	idx++
	defaultDest, err := parseFAdr(head[idx])
	if err != nil {
		return ComtreeSpec{}, err
	}
	idx++
	defaultRates, err := parseRates(head[idx])
	if err != nil {
		return ComtreeSpec{}, err
	}

	links, err := parseComtreeLinkList(line[open+1 : shut])
	if err != nil {
		return ComtreeSpec{}, err
	}

	return ComtreeSpec{
		Comtree: uint32(comt), InCore: inCore, ParentLink: parentLink,
		DefaultDest: uint32(defaultDest), DefaultRates: defaultRates, Links: links,
	}, nil
}

func parseComtreeLinkList(body string) ([]ComtreeLinkSpec, error) {
	var out []ComtreeLinkSpec
	for _, tok := range strings.Fields(body) {
		spec, err := parseComtreeLinkToken(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseComtreeLinkToken(tok string) (ComtreeLinkSpec, error) {
	var spec ComtreeLinkSpec
	if i := strings.IndexByte(tok, '('); i >= 0 {
		overrides := tok[i:]
		tok = tok[:i]
		parts := strings.FieldsFunc(overrides, func(r rune) bool { return r == '(' || r == ')' })
		if len(parts) >= 1 {
			d, err := parseFAdr(parts[0])
			if err != nil {
				return spec, err
			}
			spec.OverrideDest = uint32(d)
		}
		if len(parts) >= 2 {
			rates, err := parseRates(parts[1])
			if err != nil {
				return spec, err
			}
			spec.OverrideRates = &rates
		}
	}
	for strings.HasSuffix(tok, "+") || strings.HasSuffix(tok, "*") {
		if strings.HasSuffix(tok, "+") {
			spec.IsRouter = true
			tok = strings.TrimSuffix(tok, "+")
		} else {
			spec.IsCore = true
			spec.IsRouter = true
			tok = strings.TrimSuffix(tok, "*")
		}
	}
	lnum, err := strconv.Atoi(tok)
	if err != nil {
		return spec, fmt.Errorf("config: comtree table: bad link token %q", tok)
	}
	spec.Link = lnum
	return spec, nil
}

// ParseRouteTable reads the routing table file format (§6):
// "comtree destination link-or-link-list".
func ParseRouteTable(r io.Reader) ([]RouteSpec, error) {
	lr := newLineReader(r)
	n, err := lr.count()
	if err != nil {
		return nil, err
	}
	out := make([]RouteSpec, 0, n)
	for i := 0; i < n; i++ {
		line, ok := lr.next()
		if !ok {
			return nil, fmt.Errorf("config: route table: expected %d entries, got %d", n, i)
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("config: route table: bad line %q", line)
		}
		comt, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: route table: bad comtree %q: %w", fields[0], err)
		}
		dest, err := parseFAdr(fields[1])
		if err != nil {
			return nil, err
		}
		links := make([]int, 0, len(fields)-2)
		for _, f := range fields[2:] {
			f = strings.Trim(f, "{},")
			if f == "" {
				continue
			}
			lnum, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("config: route table: bad link %q: %w", f, err)
			}
			links = append(links, lnum)
		}
		out = append(out, RouteSpec{Comtree: uint32(comt), Dest: dest, Links: links})
	}
	return out, nil
}
