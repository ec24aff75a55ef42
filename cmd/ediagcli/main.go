// ediagcli is a small command-line front end for the diagnostic
// engine: list the ECU catalog, read/clear DTCs, poll PIDs, and run
// DPF routines. Without -port it talks to a built-in scripted ECU so
// the binary is usable without hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bmwdiag/ediag/pkg/config"
	"github.com/bmwdiag/ediag/pkg/diag"
	"github.com/bmwdiag/ediag/pkg/frame"
	"github.com/bmwdiag/ediag/pkg/port"
	"github.com/bmwdiag/ediag/pkg/port/mockport"
	"github.com/bmwdiag/ediag/pkg/port/serialport"
	"github.com/bmwdiag/ediag/pkg/services"
	"github.com/bmwdiag/ediag/pkg/timing"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: ediagcli [flags] <command> [args]

commands:
  list          print the ECU catalog
  dtc           read stored trouble codes
  clear         clear all trouble codes
  pid <id>...   read one or more PIDs (hex, e.g. 0C 05)
  regen         start forced DPF regeneration

flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		portName = flag.String("port", "", "serial device for the K-Line adapter (empty: built-in demo ECU)")
		cfgPath  = flag.String("config", "", "yaml config file overriding protocol timing defaults")
		ecuID    = flag.String("ecu", "DDE", "target ECU id from the catalog")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var p port.DuplexPort
	if *portName == "" {
		log.Info().Msg("no -port given, using built-in demo ECU")
		// The demo ECU only speaks the fast-init handshake; 5-baud
		// init needs a real adapter's baud switching.
		cfg.BusInitStrategy = config.FastInit
		p = demoPort(0x12)
	} else {
		sp, err := serialport.Open(*portName, 10400)
		if err != nil {
			log.Fatal().Err(err).Str("port", *portName).Msg("open serial port")
		}
		p = sp
	}

	engine := diag.New(p, nil, timing.SystemClock{}, cfg, log)
	defer engine.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "list" {
		for _, e := range engine.ListEcus() {
			addr := "-"
			if e.HasKLine {
				addr = fmt.Sprintf("0x%02X", e.KLineAddr)
			}
			canIDs := "-"
			if e.HasCan {
				canIDs = fmt.Sprintf("0x%03X/0x%03X", e.CanTxID, e.CanRxID)
			}
			fmt.Printf("%-8s kline=%-5s can=%-12s transports=%s\n", e.ID, addr, canIDs, e.Transports)
		}
		return
	}

	if err := engine.OpenEcu(*ecuID, diag.HintKLine); err != nil {
		log.Fatal().Err(err).Str("ecu", *ecuID).Msg("open ecu")
	}
	defer engine.CloseEcu(*ecuID)

	switch cmd {
	case "dtc":
		dtcs, err := engine.ReadDtcs(*ecuID)
		if err != nil {
			log.Fatal().Err(err).Msg("read dtcs")
		}
		if len(dtcs) == 0 {
			fmt.Println("no stored trouble codes")
			return
		}
		for _, d := range dtcs {
			fmt.Printf("%s  status=0x%02X  %s\n", d.Code, d.Status, services.StatusString(d.Status))
		}
	case "clear":
		if err := engine.ClearDtcs(*ecuID, services.ClearAllGroups); err != nil {
			log.Fatal().Err(err).Msg("clear dtcs")
		}
		fmt.Println("trouble codes cleared")
	case "pid":
		if len(args) == 0 {
			log.Fatal().Msg("pid: at least one hex PID required")
		}
		pids, err := parsePids(args)
		if err != nil {
			log.Fatal().Err(err).Msg("pid: bad argument")
		}
		samples, err := engine.ReadPids(*ecuID, pids)
		if err != nil {
			log.Fatal().Err(err).Msg("read pids")
		}
		for _, s := range samples {
			name := fmt.Sprintf("PID 0x%02X", s.Pid)
			if def, ok := services.LookupPid(s.Pid); ok {
				name = def.Name
			}
			fmt.Printf("%-26s %8.2f %s\n", name, s.Value, s.Unit)
		}
	case "regen":
		if _, err := engine.RoutineControl(*ecuID, services.RoutineStart, services.RoutineStartForcedRegen, nil); err != nil {
			log.Fatal().Err(err).Msg("start forced regeneration")
		}
		fmt.Println("forced regeneration started")
	default:
		usage()
		os.Exit(2)
	}
}

func parsePids(args []string) ([]byte, error) {
	out := make([]byte, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(strings.TrimPrefix(a, "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%q is not a hex PID: %w", a, err)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// demoPort wires a mock DuplexPort to a scripted ECU at addr that
// answers the services the CLI exercises, with the half-duplex echo a
// real K-Line adapter would produce.
func demoPort(addr byte) *mockport.Mock {
	m := mockport.New()
	m.SetEcho(true, 0)
	m.SetHandler(func(m *mockport.Mock, written []byte) {
		f, _, err := frame.Parse(written)
		if err != nil || len(f.Data) == 0 {
			return
		}
		reply := func(data []byte) {
			b, err := frame.Build(addr, 0xF1, data)
			if err != nil {
				return
			}
			m.Inject(b, 2*time.Millisecond)
		}
		switch f.Data[0] {
		case 0x81: // StartCommunication
			reply([]byte{0xC1, 0xEA, 0x8F})
		case services.ServiceDiagnosticSessionControl:
			reply([]byte{0x50, f.Data[1]})
		case services.ServiceReadDTCInformation:
			reply([]byte{0x58, 0x01, 0x2A, 0xAF, 0x24})
		case services.ServiceClearDiagnosticInfo:
			reply([]byte{0x54})
		case services.ServiceReadDataByIdentifier:
			pid := f.Data[1]
			switch pid {
			case 0x0C:
				reply([]byte{0x61, pid, 0x0B, 0xB8})
			case 0x05:
				reply([]byte{0x61, pid, 0x7E})
			default:
				reply([]byte{0x61, pid, 0x00})
			}
		case services.ServiceRoutineControl:
			if len(f.Data) < 4 {
				return
			}
			// This ECU variant only answers on the alternate routine
			// identifiers, exercising the probe fallback.
			if f.Data[2] == 0xA0 {
				reply([]byte{0x7F, services.ServiceRoutineControl, 0x12})
				return
			}
			reply([]byte{0x71, f.Data[1], f.Data[2], f.Data[3]})
		case services.ServiceTesterPresent:
			if len(f.Data) > 1 && f.Data[1] == services.TesterPresentSuppressResponse {
				return
			}
			reply([]byte{0x7E})
		}
	})
	return m
}
