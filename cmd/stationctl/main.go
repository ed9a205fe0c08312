package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/Bldg-7/stationd/internal/stationctl"
)

var (
	orchestratorURL = flag.String("orchestrator-url", "http://localhost:8080", "Orchestrator API URL")
	authToken       = flag.String("auth-token", "", "Authentication token (or set STATIONCTL_AUTH_TOKEN env var)")
	operator        = flag.String("operator", "", "Operator name recorded in the audit trail")
	format          = flag.String("format", "table", "Output format: table or json")
)

func main() {
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("STATIONCTL_AUTH_TOKEN")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "init" {
		handleInit(args[1:])
		return
	}
	if args[0] == "help" {
		printUsage()
		return
	}

	if *authToken == "" {
		fmt.Fprintf(os.Stderr, "Error: auth token required (--auth-token or STATIONCTL_AUTH_TOKEN env var)\n")
		os.Exit(1)
	}

	client := stationctl.NewHTTPClient(*orchestratorURL, *authToken)
	if *operator != "" {
		client.SetOperator(*operator)
	}

	switch args[0] {
	case "machines":
		handleMachines(client, args[1:])
	case "sessions":
		handleSessions(client, args[1:])
	case "revenue":
		handleRevenue(client, args[1:])
	case "audit":
		handleAudit(client, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func handleMachines(client *stationctl.HTTPClient, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: machines command requires subcommand (list, get, register, stop, maintenance-done)\n")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		status := ""
		if len(args) > 1 {
			status = args[1]
		}
		machines, err := stationctl.ListMachines(client, status)
		if err != nil {
			fatal(err)
		}
		if *format == "json" {
			printJSON(machines)
		} else {
			printMachinesTable(machines)
		}

	case "get":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: machines get requires machine id\n")
			os.Exit(1)
		}
		machine, err := stationctl.GetMachine(client, args[1])
		if err != nil {
			fatal(err)
		}
		if *format == "json" {
			printJSON(machine)
		} else {
			printMachineTable(machine)
		}

	case "register":
		req, err := parseRegisterArgs(args[1:])
		if err != nil {
			fatal(err)
		}
		machine, err := stationctl.RegisterMachine(client, req)
		if err != nil {
			fatal(err)
		}
		if *format == "json" {
			printJSON(machine)
		} else {
			printMachineTable(machine)
		}

	case "stop":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: machines stop requires machine id\n")
			os.Exit(1)
		}
		if err := stationctl.EmergencyStop(client, args[1]); err != nil {
			fatal(err)
		}
		fmt.Printf("emergency stop issued for %s\n", args[1])

	case "maintenance-done":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: machines maintenance-done requires machine id\n")
			os.Exit(1)
		}
		if err := stationctl.CompleteMaintenance(client, args[1]); err != nil {
			fatal(err)
		}
		fmt.Printf("machine %s returned to service\n", args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown machines subcommand %q\n", args[0])
		os.Exit(1)
	}
}

// parseRegisterArgs handles "register <id> <name> <price> [interval] [open] [close]".
func parseRegisterArgs(args []string) (stationctl.RegisterMachineRequest, error) {
	var req stationctl.RegisterMachineRequest
	if len(args) < 3 {
		return req, fmt.Errorf("machines register requires <id> <name> <price-per-minute> [maintenance-interval] [open-hour] [close-hour]")
	}

	req.ID = args[0]
	req.Name = args[1]
	price, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return req, fmt.Errorf("invalid price %q", args[2])
	}
	req.PricePerMinute = price

	optional := []*int{&req.MaintenanceInterval, &req.OpenHour, &req.CloseHour}
	for i, target := range optional {
		if len(args) <= 3+i {
			break
		}
		v, err := strconv.Atoi(args[3+i])
		if err != nil {
			return req, fmt.Errorf("invalid integer %q", args[3+i])
		}
		*target = v
	}

	return req, nil
}

func handleSessions(client *stationctl.HTTPClient, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: sessions command requires subcommand (list, get, create, stop)\n")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		machineID := ""
		if len(args) > 1 {
			machineID = args[1]
		}
		sessions, err := stationctl.ListSessions(client, machineID, "", 100)
		if err != nil {
			fatal(err)
		}
		if *format == "json" {
			printJSON(sessions)
		} else {
			printSessionsTable(sessions)
		}

	case "get":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: sessions get requires session id\n")
			os.Exit(1)
		}
		session, err := stationctl.GetSession(client, args[1])
		if err != nil {
			fatal(err)
		}
		if *format == "json" {
			printJSON(session)
		} else {
			printSessionTable(session)
		}

	case "create":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Error: sessions create requires <machine-id> <minutes> [payment-method]\n")
			os.Exit(1)
		}
		minutes, err := strconv.Atoi(args[2])
		if err != nil {
			fatal(fmt.Errorf("invalid minutes %q", args[2]))
		}
		method := "manual"
		if len(args) > 3 {
			method = args[3]
		}
		session, err := stationctl.CreateSession(client, stationctl.CreateSessionRequest{
			MachineID:       args[1],
			DurationMinutes: minutes,
			PaymentMethod:   method,
		})
		if err != nil {
			fatal(err)
		}
		if *format == "json" {
			printJSON(session)
		} else {
			printSessionTable(session)
		}

	case "stop":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: sessions stop requires session id\n")
			os.Exit(1)
		}
		session, err := stationctl.StopSession(client, args[1])
		if err != nil {
			fatal(err)
		}
		if *format == "json" {
			printJSON(session)
		} else {
			printSessionTable(session)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown sessions subcommand %q\n", args[0])
		os.Exit(1)
	}
}

func handleRevenue(client *stationctl.HTTPClient, args []string) {
	period := "today"
	if len(args) > 0 {
		period = args[0]
	}

	report, err := stationctl.GetRevenue(client, period)
	if err != nil {
		fatal(err)
	}
	if *format == "json" {
		printJSON(report)
	} else {
		printRevenueTable(report)
	}
}

func handleAudit(client *stationctl.HTTPClient, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: audit requires <action|actor> <value>\n")
		os.Exit(1)
	}

	var entries []stationctl.AuditEntryJSON
	var err error
	switch args[0] {
	case "action":
		entries, err = stationctl.QueryAudit(client, args[1], "", 100)
	case "actor":
		entries, err = stationctl.QueryAudit(client, "", args[1], 100)
	default:
		fmt.Fprintf(os.Stderr, "Error: audit filter must be action or actor, got %q\n", args[0])
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}

	if *format == "json" {
		printJSON(entries)
	} else {
		printAuditTable(entries)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func printMachinesTable(machines []stationctl.MachineJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPRICE/MIN\tMINUTES\tFIRMWARE\tLAST_HEARTBEAT")
	for _, m := range machines {
		heartbeat := "-"
		if !m.LastHeartbeat.IsZero() {
			heartbeat = m.LastHeartbeat.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%d/%d\t%s\t%s\n",
			m.ID, m.Name, m.Status, m.PricePerMinute,
			m.OperatingMinutes, m.MaintenanceInterval,
			m.FirmwareVersion, heartbeat)
	}
	w.Flush()
}

func printMachineTable(m *stationctl.MachineJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "ID\t%s\n", m.ID)
	fmt.Fprintf(w, "NAME\t%s\n", m.Name)
	fmt.Fprintf(w, "STATUS\t%s\n", m.Status)
	fmt.Fprintf(w, "PRICE_PER_MINUTE\t%.2f\n", m.PricePerMinute)
	fmt.Fprintf(w, "OPERATING_MINUTES\t%d\n", m.OperatingMinutes)
	fmt.Fprintf(w, "MAINTENANCE_INTERVAL\t%d\n", m.MaintenanceInterval)
	fmt.Fprintf(w, "OPEN_HOURS\t%02d:00-%02d:00\n", m.OpenHour, m.CloseHour)
	fmt.Fprintf(w, "FIRMWARE\t%s\n", m.FirmwareVersion)
	if !m.LastHeartbeat.IsZero() {
		fmt.Fprintf(w, "LAST_HEARTBEAT\t%s\n", m.LastHeartbeat.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printSessionsTable(sessions []stationctl.SessionJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMACHINE\tSTATUS\tMINUTES\tCOST\tEND_REASON\tCREATED_AT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\n",
			s.ID, s.MachineID, s.Status, s.DurationMinutes, s.Cost,
			s.EndReason, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printSessionTable(s *stationctl.SessionJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "ID\t%s\n", s.ID)
	fmt.Fprintf(w, "MACHINE_ID\t%s\n", s.MachineID)
	fmt.Fprintf(w, "STATUS\t%s\n", s.Status)
	fmt.Fprintf(w, "DURATION_MINUTES\t%d\n", s.DurationMinutes)
	fmt.Fprintf(w, "COST\t%.2f\n", s.Cost)
	if s.PaymentRef != "" {
		fmt.Fprintf(w, "PAYMENT_REF\t%s\n", s.PaymentRef)
	}
	if s.EndReason != "" {
		fmt.Fprintf(w, "END_REASON\t%s\n", s.EndReason)
	}
	fmt.Fprintf(w, "CREATED_AT\t%s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(w, "STARTED_AT\t%s\n", s.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if !s.EndedAt.IsZero() {
		fmt.Fprintf(w, "ENDED_AT\t%s\n", s.EndedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printRevenueTable(report *stationctl.RevenueReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "PERIOD\t%s\n", report.Period)
	fmt.Fprintf(w, "TOTAL_SESSIONS\t%d\n", report.TotalSessions)
	fmt.Fprintf(w, "TOTAL_REVENUE\t%.2f\n", report.TotalRevenue)
	w.Flush()

	if len(report.ByMachine) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MACHINE\tSESSIONS\tMINUTES\tREVENUE")
		for _, m := range report.ByMachine {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\n", m.MachineID, m.Sessions, m.Minutes, m.Revenue)
		}
		w.Flush()
	}
}

func printAuditTable(entries []stationctl.AuditEntryJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTOR\tACTION\tTARGET\tRESULT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.Actor, e.Action, e.Target, e.Result)
	}
	w.Flush()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `stationctl - station fleet CLI

Usage:
  stationctl [global-flags] <command> [subcommand] [args]

Global Flags:
  -orchestrator-url string
        Orchestrator API URL (default "http://localhost:8080")
  -auth-token string
        Authentication token (or set STATIONCTL_AUTH_TOKEN env var)
  -operator string
        Operator name recorded in the audit trail
  -format string
        Output format: table or json (default "table")

Commands:
  machines list [status]                           List machines, optionally by status
  machines get <id>                                Get machine details
  machines register <id> <name> <price> [ivl] [open] [close]
                                                   Register a machine
  machines stop <id>                               Emergency-stop a machine
  machines maintenance-done <id>                   Sign off maintenance

  sessions list [machine-id]                       List sessions
  sessions get <id>                                Get session details
  sessions create <machine-id> <minutes> [method]  Create a session
  sessions stop <id>                               Stop a running session

  revenue [today|week|month]                       Revenue report

  audit action <action>                            Audit entries by action
  audit actor <actor>                              Audit entries by actor

  init                                             Interactive wizard for orchestrator+agent config

  help                                             Show this help message

Examples:
  stationctl -auth-token mytoken machines list
  stationctl -format json sessions list wash-1
  stationctl -operator alice machines stop wash-3
  stationctl init
`)
}
