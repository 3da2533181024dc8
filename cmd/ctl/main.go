package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devghori1264/greenops/internal/models"
)

var (
	v       = viper.New()
	rootCmd = &cobra.Command{
		Use:           "greenopsctl",
		Short:         "Operate a greenopsd server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	outputJSON bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("server", "http://localhost:8080", "greenopsd REST address")
	pf.String("token", "", "operator token (or GREENOPSCTL_TOKEN)")
	pf.String("nats", "nats://localhost:4222", "NATS URL for watch")
	pf.String("subject-prefix", "greenops", "NATS subject prefix for watch")
	pf.BoolVar(&outputJSON, "json", false, "print raw JSON")

	v.SetEnvPrefix("GREENOPSCTL")
	v.AutomaticEnv()
	_ = v.BindPFlag("server", pf.Lookup("server"))
	_ = v.BindPFlag("token", pf.Lookup("token"))
	_ = v.BindPFlag("nats", pf.Lookup("nats"))
	_ = v.BindPFlag("subject_prefix", pf.Lookup("subject-prefix"))

	machinesCmd.AddCommand(machinesListCmd, machinesGetCmd, machinesDeleteCmd, machinesNotesCmd)
	machinesListCmd.Flags().String("status", "", "online, idle or offline")
	machinesListCmd.Flags().String("search", "", "hostname, IP or MAC substring")
	machinesListCmd.Flags().Int("limit", 0, "maximum rows")

	heartbeatsCmd.Flags().Int("limit", 20, "maximum rows")

	shutdownCmd.Flags().Int("threshold", 15, "required idle minutes (1-1440)")
	shutdownCmd.Flags().String("notes", "", "note stored with the command")

	commandsCmd.Flags().String("status", "", "pending, executed, rejected or expired")
	commandsCmd.Flags().Int("limit", 0, "maximum rows")

	rootCmd.AddCommand(pingCmd, machinesCmd, heartbeatsCmd, revokeCmd, shutdownCmd, commandsCmd, commandCmd, sweepCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func client() *apiClient {
	return newAPIClient(v.GetString("server"), v.GetString("token"))
}

func printJSON(w io.Writer, val interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func limitQuery(cmd *cobra.Command, q url.Values) {
	if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
		q.Set("limit", strconv.Itoa(n))
	}
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out map[string]string
		if err := client().get("/ping", nil, &out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out["msg"])
		return nil
	},
}

var machinesCmd = &cobra.Command{
	Use:     "machines",
	Aliases: []string{"m"},
	Short:   "Inspect and manage machines",
}

var machinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List machines with their current status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			q.Set("status", s)
		}
		if s, _ := cmd.Flags().GetString("search"); s != "" {
			q.Set("search", s)
		}
		limitQuery(cmd, q)

		var out struct {
			Machines []models.Machine `json:"machines"`
		}
		if err := client().get("/api/v1/machines", q, &out); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), out.Machines)
		}
		return printMachines(cmd.OutOrStdout(), out.Machines)
	},
}

func printMachines(w io.Writer, machines []models.Machine) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOSTNAME\tMAC\tSTATUS\tLAST SEEN\tIDLE H\tENERGY KWH\tCO2 KG")
	for _, m := range machines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1f\t%.3f\t%.3f\n",
			m.ID, m.Hostname, m.MACAddress, m.Status, fmtTime(m.LastSeen),
			m.IdleSeconds/3600, m.EnergyKWh, m.CO2Kg)
	}
	return tw.Flush()
}

var machinesGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m models.Machine
		if err := client().get(machinePath(args[0]), nil, &m); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var machinesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a machine with its history (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().do(http.MethodDelete, machinePath(args[0]), nil, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "machine %s deleted\n", args[0])
		return nil
	},
}

var machinesNotesCmd = &cobra.Command{
	Use:   "notes ID TEXT",
	Short: "Replace a machine's notes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m models.Machine
		body := map[string]string{"notes": args[1]}
		if err := client().do(http.MethodPut, machinePath(args[0], "notes"), nil, body, &m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "notes updated for %s\n", m.Hostname)
		return nil
	},
}

var heartbeatsCmd = &cobra.Command{
	Use:   "heartbeats MACHINE_ID",
	Short: "Show recent heartbeats, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		limitQuery(cmd, q)
		var out struct {
			Heartbeats []models.Heartbeat `json:"heartbeats"`
		}
		if err := client().get(machinePath(args[0], "heartbeats"), q, &out); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), out.Heartbeats)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIMESTAMP\tINTERVAL S\tIDLE S\tIDLE\tENERGY KWH")
		for _, hb := range out.Heartbeats {
			fmt.Fprintf(tw, "%s\t%.0f\t%.0f\t%t\t%.5f\n",
				fmtTime(hb.Timestamp), hb.IntervalSeconds, hb.IdleSeconds, hb.Idle, hb.EnergyDeltaKWh)
		}
		return tw.Flush()
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke MACHINE_ID",
	Short: "Revoke a machine's agent tokens (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Revoked int `json:"revoked"`
		}
		if err := client().post(machinePath(args[0], "tokens", "revoke"), nil, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d token(s) revoked\n", out.Revoked)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown MACHINE_ID",
	Short: "Ask an idle machine to power off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetInt("threshold")
		notes, _ := cmd.Flags().GetString("notes")
		body := map[string]interface{}{"idle_threshold_minutes": threshold, "notes": notes}

		var c models.Command
		if err := client().post(machinePath(args[0], "commands"), body, &c); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), c)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "command %s pending until %s\n", c.ID, fmtTime(c.ExpiresAt))
		return nil
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands MACHINE_ID",
	Short: "List a machine's commands, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			q.Set("status", s)
		}
		limitQuery(cmd, q)
		var out struct {
			Commands []models.Command `json:"commands"`
		}
		if err := client().get(machinePath(args[0], "commands"), q, &out); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), out.Commands)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tTHRESHOLD\tISSUED BY\tISSUED AT\tREASON")
		for _, c := range out.Commands {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%dm\t%s\t%s\t%s\n",
				c.ID, c.Type, c.Status, c.IdleThresholdMinutes, c.IssuedBy, fmtTime(c.IssuedAt), c.RejectionReason)
		}
		return tw.Flush()
	},
}

var commandCmd = &cobra.Command{
	Use:   "command COMMAND_ID",
	Short: "Show one command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c models.Command
		if err := client().get("/api/v1/commands/"+url.PathEscape(args[0]), nil, &c); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the offline sweep now (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out struct {
			MachinesOffline int `json:"machines_offline"`
			CommandsExpired int `json:"commands_expired"`
		}
		if err := client().post("/api/v1/sweep", nil, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d machine(s) marked offline, %d command(s) expired\n",
			out.MachinesOffline, out.CommandsExpired)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream lifecycle events from NATS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		nc, err := nats.Connect(v.GetString("nats"), nats.Name("greenopsctl"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain() //nolint:errcheck

		subject := v.GetString("subject_prefix") + ".>"
		out := cmd.OutOrStdout()
		sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
			fmt.Fprintf(out, "%s %s\n", m.Subject, m.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe() //nolint:errcheck
		fmt.Fprintf(out, "watching %s, ctrl-c to stop\n", subject)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}
