// Package shell provides the interactive command-line interface for
// meshctl.
package shell

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/meshlink/meshlink-go/pkg/provisioning"
	"github.com/meshlink/meshlink-go/pkg/scanner"
	"github.com/meshlink/meshlink-go/pkg/service"
)

// DefaultScanDuration is used by scan without an argument.
const DefaultScanDuration = 5 * time.Second

// Shell handles interactive mode for meshctl.
type Shell struct {
	eng *service.Engine
	rl  *readline.Instance
	out io.Writer

	// AppKeyIndex secures the model messages sent by onoff and level.
	AppKeyIndex uint16
}

// New creates an interactive shell on the terminal.
func New(eng *service.Engine) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mesh> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("scan"),
			readline.PcItem("devices"),
			readline.PcItem("connect"),
			readline.PcItem("disconnect"),
			readline.PcItem("caps"),
			readline.PcItem("provision"),
			readline.PcItem("reset"),
			readline.PcItem("onoff"),
			readline.PcItem("level"),
			readline.PcItem("composition"),
			readline.PcItem("nodes"),
			readline.PcItem("export"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{eng: eng, rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that coordinates with the readline prompt.
// Use this for log output to avoid interfering with input.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
		if !s.Exec(ctx, line) {
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "scan":
		s.cmdScan(ctx, args)
	case "devices", "ls":
		s.printDevices(s.eng.FetchDevices())
	case "connect":
		s.cmdConnect(ctx, args)
	case "disconnect":
		s.eng.Disconnect(false)
		fmt.Fprintln(s.out, "Disconnected")
	case "caps":
		s.cmdCaps(ctx, args)
	case "provision":
		s.cmdProvision(ctx, args)
	case "reset":
		s.cmdReset(ctx, args)
	case "onoff":
		s.cmdOnOff(ctx, args)
	case "level":
		s.cmdLevel(ctx, args)
	case "composition":
		s.cmdComposition(ctx, args)
	case "nodes":
		s.cmdNodes()
	case "export":
		s.cmdExport()
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Mesh Controller Commands:
  Devices:
    scan [seconds]            - Scan for devices (default 5s)
    devices                   - List devices from the last scan
    connect <radio-address>   - Open a link to a device
    disconnect                - Close the link

  Provisioning:
    caps <uuid>               - Read provisioning capabilities
    provision <uuid>          - Provision a device into the network
    reset <address>           - Reset a node and remove it

  Nodes:
    onoff <address> on|off    - Switch a Generic OnOff server
    level <address> <value>   - Set a Generic Level server
    composition <address>     - Read composition data page 0
    nodes                     - List nodes and their liveness
    export                    - Print the network as JSON

  General:
    help                      - Show this help
    quit                      - Exit

  Addresses accept decimal or 0x-prefixed hex, e.g. 0x0002.`)
}

// parseAddress parses a mesh address.
func parseAddress(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint16(v), nil
}

func (s *Shell) usage(text string) {
	fmt.Fprintf(s.out, "Usage: %s\n", text)
}

func (s *Shell) fail(what string, err error) {
	fmt.Fprintf(s.out, "%s failed: %v\n", what, err)
}

func (s *Shell) cmdScan(ctx context.Context, args []string) {
	d := DefaultScanDuration
	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			s.usage("scan [seconds]")
			return
		}
		d = time.Duration(secs) * time.Second
	}

	fmt.Fprintf(s.out, "Scanning for %s...\n", d)
	snap, err := s.eng.StartScan(ctx, d)
	if err != nil {
		s.fail("Scan", err)
		return
	}
	s.printDevices(snap)
}

func (s *Shell) printDevices(snap scanner.Snapshot) {
	if len(snap.Unprovisioned)+len(snap.Provisioned) == 0 {
		fmt.Fprintln(s.out, "No devices found")
		return
	}
	if len(snap.Unprovisioned) > 0 {
		fmt.Fprintf(s.out, "\nUnprovisioned (%d):\n", len(snap.Unprovisioned))
		for _, d := range snap.Unprovisioned {
			fmt.Fprintf(s.out, "  %-17s %4d dBm  %s  %s\n", d.Address, d.RSSI, d.UUID, d.Name)
		}
	}
	if len(snap.Provisioned) > 0 {
		fmt.Fprintf(s.out, "\nProvisioned (%d):\n", len(snap.Provisioned))
		for _, d := range snap.Provisioned {
			fmt.Fprintf(s.out, "  %-17s %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
		}
	}
}

func (s *Shell) cmdConnect(ctx context.Context, args []string) {
	if len(args) != 1 {
		s.usage("connect <radio-address>")
		return
	}
	addr := strings.ToUpper(args[0])
	if !s.eng.Connect(ctx, addr, true) {
		fmt.Fprintf(s.out, "Could not connect to %s\n", addr)
		return
	}
	fmt.Fprintf(s.out, "Connected to %s\n", addr)
}

func (s *Shell) parseUUID(args []string, usage string) (uuid.UUID, bool) {
	if len(args) != 1 {
		s.usage(usage)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Invalid UUID %q\n", args[0])
		return uuid.Nil, false
	}
	return id, true
}

func (s *Shell) cmdCaps(ctx context.Context, args []string) {
	id, ok := s.parseUUID(args, "caps <uuid>")
	if !ok {
		return
	}
	caps, err := s.eng.GetProvisioningCapabilities(ctx, id)
	if err != nil {
		s.fail("Capabilities", err)
		return
	}
	fmt.Fprintf(s.out, "Elements:        %d\n", caps.NumberOfElements)
	fmt.Fprintf(s.out, "Algorithms:      0x%04X\n", caps.Algorithms)
	fmt.Fprintf(s.out, "Public key type: 0x%02X\n", caps.PublicKeyType)
	fmt.Fprintf(s.out, "Static OOB:      0x%02X\n", caps.StaticOOBTypes)
	fmt.Fprintf(s.out, "Output OOB:      size %d, actions 0x%04X\n", caps.OutputOOBSize, caps.OutputOOBActions)
	fmt.Fprintf(s.out, "Input OOB:       size %d, actions 0x%04X\n", caps.InputOOBSize, caps.InputOOBActions)
	fmt.Fprintf(s.out, "Available OOB:   %v\n", caps.AvailableOOBTypes())
}

func (s *Shell) cmdProvision(ctx context.Context, args []string) {
	id, ok := s.parseUUID(args, "provision <uuid>")
	if !ok {
		return
	}
	fmt.Fprintf(s.out, "Provisioning %s...\n", id)
	outcome, err := s.eng.ProvisionDevice(ctx, id)
	if err != nil {
		s.fail("Provisioning", err)
		return
	}
	switch o := outcome.(type) {
	case *provisioning.Provisioned:
		fmt.Fprintf(s.out, "Provisioned as 0x%04X (%d elements)\n", uint16(o.Node.UnicastAddress), len(o.Node.Elements))
	case *provisioning.Unprovisioned:
		if o.Detail != "" {
			fmt.Fprintf(s.out, "Device did not join: %s (%s)\n", o.Reason, o.Detail)
		} else {
			fmt.Fprintf(s.out, "Device did not join: %s\n", o.Reason)
		}
	}
}

func (s *Shell) cmdReset(ctx context.Context, args []string) {
	if len(args) != 1 {
		s.usage("reset <address>")
		return
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	if err := s.eng.UnprovisionDevice(ctx, addr); err != nil {
		s.fail("Reset", err)
		return
	}
	fmt.Fprintf(s.out, "Node 0x%04X reset\n", addr)
}

func (s *Shell) cmdOnOff(ctx context.Context, args []string) {
	if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
		s.usage("onoff <address> on|off")
		return
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	status, err := s.eng.SendGenericOnOffSet(ctx, addr, s.AppKeyIndex, args[1] == "on", nil, true)
	if err != nil {
		s.fail("OnOff", err)
		return
	}
	if status == nil {
		fmt.Fprintln(s.out, "Sent")
		return
	}
	fmt.Fprintf(s.out, "0x%04X is %s\n", status.Src, onOff(status.Present))
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func (s *Shell) cmdLevel(ctx context.Context, args []string) {
	if len(args) != 2 {
		s.usage("level <address> <value>")
		return
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	level, err := strconv.ParseInt(args[1], 10, 16)
	if err != nil {
		fmt.Fprintf(s.out, "Invalid level %q (-32768..32767)\n", args[1])
		return
	}
	status, err := s.eng.SendGenericLevelSet(ctx, addr, s.AppKeyIndex, int16(level), nil, true)
	if err != nil {
		s.fail("Level", err)
		return
	}
	if status == nil {
		fmt.Fprintln(s.out, "Sent")
		return
	}
	fmt.Fprintf(s.out, "0x%04X level %d\n", status.Src, status.Present)
}

func (s *Shell) cmdComposition(ctx context.Context, args []string) {
	if len(args) != 1 {
		s.usage("composition <address>")
		return
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	comp, err := s.eng.GetCompositionData(ctx, addr, 0)
	if err != nil {
		s.fail("Composition", err)
		return
	}
	fmt.Fprintf(s.out, "CID 0x%04X  PID 0x%04X  VID 0x%04X  CRPL %d  Features 0x%04X\n",
		comp.CompanyID, comp.ProductID, comp.VersionID, comp.CRPL, comp.Features)
	for i, el := range comp.Elements {
		fmt.Fprintf(s.out, "  Element %d (location 0x%04X):", i, el.Location)
		for _, m := range el.Models {
			fmt.Fprintf(s.out, " 0x%04X", m)
		}
		fmt.Fprintln(s.out)
	}
}

func (s *Shell) cmdNodes() {
	n := s.eng.Network()
	if n == nil {
		fmt.Fprintln(s.out, "No network loaded")
		return
	}

	live := make(map[uint16]bool)
	for _, st := range s.eng.GetNodeLivenessStates() {
		live[st.Address] = st.Online
	}

	self := n.ProvisionerAddress()
	fmt.Fprintf(s.out, "\nNetwork %q (IV index %d)\n", n.Name(), n.IVIndex())
	fmt.Fprintln(s.out, "-------------------------------------------")
	for _, node := range n.Nodes() {
		addr := uint16(node.UnicastAddress)
		status := "offline"
		switch {
		case addr == self:
			status = "provisioner"
		case live[addr]:
			status = "online"
		}
		fmt.Fprintf(s.out, "  0x%04X  %-11s %d element(s)  %s\n", addr, status, len(node.Elements), node.UUID)
	}
}

func (s *Shell) cmdExport() {
	data, err := s.eng.ExportNetwork()
	if err != nil {
		s.fail("Export", err)
		return
	}
	fmt.Fprintln(s.out, string(data))
}
