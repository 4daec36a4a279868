package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jrick/flagfile"

	"github.com/companyzero/ratchetmesh/config"
)

// errCmdDone signals that loadRuntimeFlags already did everything the
// command needed to do (printed a version, showed usage) and main
// should exit 0 without further action.
var errCmdDone = errors.New("cmd done")

// runtimeFlags holds every value this process needs off the command
// line: the room config path, an optional sectioned flagfile carrying
// operational overrides (listen address, log level — the kind of
// per-deployment knob that doesn't belong in the portable room TOML
// config), and the operational values themselves. Mirrors
// brclient/config.go's split between a bootstrap flag set (just
// enough to find the config file) and the fuller set of flags loaded
// from file.
type runtimeFlags struct {
	CfgPath  string
	Listen   string
	LogLevel string
	Peer     string
	Dial     bool
}

func defineFlags(fs *flag.FlagSet) (cfgPath, flagFile, listen, logLevel, peer *string, dial, version *bool) {
	cfgPath = fs.String("cfg", config.DefaultConfigPath(), "Room config file (TOML)")
	flagFile = fs.String("flagfile", "", "Optional sectioned flagfile for operational overrides")
	listen = fs.String("listen", "127.0.0.1:8822", "Address for the bundle/websocket HTTP listener")
	logLevel = fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error, critical)")
	peer = fs.String("peer", "", "Base HTTP URL of the remote peer's listener (e.g. http://host:port)")
	dial = fs.Bool("dial", false, "Dial out to -peer's websocket instead of waiting for it to connect here")
	version = fs.Bool("version", false, "Display current version and exit")
	return
}

func loadRuntimeFlags(args []string) (*runtimeFlags, error) {
	// First pass: every flag defined, parsed directly against the
	// command line, just to discover whether -flagfile was given.
	bootstrap := flag.NewFlagSet("ratchetmeshd", flag.ContinueOnError)
	cfgPath, flagFilePath, listen, logLevel, peer, dial, version := defineFlags(bootstrap)
	if err := bootstrap.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errCmdDone
		}
		return nil, err
	}
	if *version {
		fmt.Println(versionString)
		return nil, errCmdDone
	}
	if *flagFilePath == "" {
		return &runtimeFlags{CfgPath: *cfgPath, Listen: *listen, LogLevel: *logLevel, Peer: *peer, Dial: *dial}, nil
	}

	// Second pass: a fresh flag set gets its defaults from the
	// sectioned flagfile first, then the command line is re-applied
	// on top so an explicit CLI flag still wins over the file.
	f, err := os.Open(*flagFilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	layered := flag.NewFlagSet("ratchetmeshd", flag.ContinueOnError)
	cfgPath2, _, listen2, logLevel2, peer2, dial2, version2 := defineFlags(layered)

	parser := flagfile.Parser{ParseSections: true}
	if err := parser.Parse(f, layered); err != nil {
		return nil, err
	}
	if err := layered.Parse(args); err != nil {
		return nil, err
	}
	if *version2 {
		fmt.Println(versionString)
		return nil, errCmdDone
	}
	return &runtimeFlags{
		CfgPath:  *cfgPath2,
		Listen:   *listen2,
		LogLevel: *logLevel2,
		Peer:     *peer2,
		Dial:     *dial2,
	}, nil
}
