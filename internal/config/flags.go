package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/jturner53/forest-router/internal/packet"
)

// Mode selects local (pre-configured tables) or remote (boot handshake)
// startup (§4.8, §6).
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Flags is the parsed command-line surface (§6):
// mode, myAdr, bootIp, nmAdr, nmIp, ccAdr, firstLeafAdr, lastLeafAdr,
// ifTbl, lnkTbl, comtTbl, rteTbl, statSpec, portNum, finTime.
type Flags struct {
	Mode Mode

	MyAdr packet.FAdr

	BootIP net.IP
	NmAdr  packet.FAdr
	NmIP   net.IP
	NmPort uint16
	CcAdr  packet.FAdr

	FirstLeafAdr packet.FAdr
	LastLeafAdr  packet.FAdr

	IfTbl, LnkTbl, ComtTbl, RteTbl string
	StatSpec                      string

	PortNum int
	FinTime time.Duration
}

// ErrInconsistentMode reports a mode/argument mismatch (§6: "Exit code 1
// on unrecognised argument or inconsistent mode").
var ErrInconsistentMode = errors.New("config: inconsistent mode")

// Parse parses args (excluding the program name) into Flags, returning
// ErrInconsistentMode (or a flag-parsing error) if the arguments are
// unrecognised or don't match the declared mode's requirements.
func Parse(args []string) (Flags, error) {
	fs := flag.NewFlagSet("forest-router", flag.ContinueOnError)

	var f Flags
	var mode, myAdr, bootIP, nmAdr, nmIP, ccAdr, firstLeaf, lastLeaf string
	var finTimeSec int

	fs.StringVar(&mode, "mode", "", "local|remote")
	fs.StringVar(&myAdr, "myAdr", "", "this router's forest address (local mode)")
	fs.StringVar(&bootIP, "bootIp", "", "boot socket bind address (remote mode)")
	fs.StringVar(&nmAdr, "nmAdr", "", "network manager's forest address (remote mode)")
	fs.StringVar(&nmIP, "nmIp", "", "network manager's ip:port (remote mode)")
	fs.StringVar(&ccAdr, "ccAdr", "", "client manager's forest address")
	fs.StringVar(&firstLeaf, "firstLeafAdr", "", "first address in the leaf pool (local mode)")
	fs.StringVar(&lastLeaf, "lastLeafAdr", "", "last address in the leaf pool (local mode)")
	fs.StringVar(&f.IfTbl, "ifTbl", "", "interface table file (local mode)")
	fs.StringVar(&f.LnkTbl, "lnkTbl", "", "link table file (local mode)")
	fs.StringVar(&f.ComtTbl, "comtTbl", "", "comtree table file (local mode)")
	fs.StringVar(&f.RteTbl, "rteTbl", "", "route table file (local mode)")
	fs.StringVar(&f.StatSpec, "statSpec", "", "stats output file")
	fs.IntVar(&f.PortNum, "portNum", 0, "base UDP port number")
	fs.IntVar(&finTimeSec, "finTime", 0, "seconds to run, 0 = forever")

	if err := fs.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("%w: %v", ErrInconsistentMode, err)
	}
	if fs.NArg() > 0 {
		return Flags{}, fmt.Errorf("%w: unrecognised argument %q", ErrInconsistentMode, fs.Arg(0))
	}

	switch Mode(mode) {
	case ModeLocal, ModeRemote:
		f.Mode = Mode(mode)
	default:
		return Flags{}, fmt.Errorf("%w: mode must be local or remote, got %q", ErrInconsistentMode, mode)
	}
	f.FinTime = time.Duration(finTimeSec) * time.Second

	var err error
	if myAdr != "" {
		if f.MyAdr, err = parseFAdr(myAdr); err != nil {
			return Flags{}, err
		}
	}
	if ccAdr != "" {
		if f.CcAdr, err = parseFAdr(ccAdr); err != nil {
			return Flags{}, err
		}
	}

	if f.Mode == ModeLocal {
		if firstLeaf == "" || lastLeaf == "" {
			return Flags{}, fmt.Errorf("%w: local mode requires firstLeafAdr and lastLeafAdr", ErrInconsistentMode)
		}
		if f.IfTbl == "" || f.LnkTbl == "" || f.ComtTbl == "" || f.RteTbl == "" {
			return Flags{}, fmt.Errorf("%w: local mode requires ifTbl, lnkTbl, comtTbl and rteTbl", ErrInconsistentMode)
		}
		if f.FirstLeafAdr, err = parseFAdr(firstLeaf); err != nil {
			return Flags{}, err
		}
		if f.LastLeafAdr, err = parseFAdr(lastLeaf); err != nil {
			return Flags{}, err
		}
	}

	if f.Mode == ModeRemote {
		if bootIP == "" || nmIP == "" {
			return Flags{}, fmt.Errorf("%w: remote mode requires bootIp and nmIp", ErrInconsistentMode)
		}
		f.BootIP = net.ParseIP(bootIP)
		if f.BootIP == nil {
			return Flags{}, fmt.Errorf("%w: bad bootIp %q", ErrInconsistentMode, bootIP)
		}
		ip, port, perr := splitHostPort(nmIP)
		if perr != nil {
			return Flags{}, fmt.Errorf("%w: bad nmIp %q: %v", ErrInconsistentMode, nmIP, perr)
		}
		f.NmIP = ip
		f.NmPort = port
		if nmAdr != "" {
			if f.NmAdr, err = parseFAdr(nmAdr); err != nil {
				return Flags{}, err
			}
		}
	}

	return f, nil
}
