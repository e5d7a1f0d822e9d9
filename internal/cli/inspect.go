package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/crossdevice/internal/crisis"
	"github.com/roach88/crossdevice/internal/store"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// openStore opens an existing database. Inspection never creates one.
func openStore(opts *RootOptions, path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path, store.WithDriver(opts.driver()), store.WithLogger(opts.Logger()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// CrisisStatus is the persisted fallback state as reported by the CLI.
type CrisisStatus struct {
	Recorded               bool   `json:"recorded"`
	Active                 bool   `json:"active"`
	CrisisLevel            string `json:"crisis_level,omitempty"`
	ActivatedAt            string `json:"activated_at,omitempty"`
	EmergencyContactsReady bool   `json:"emergency_contacts_ready"`
	HotlineAccessReady     bool   `json:"hotline_access_ready"`
}

// NewCrisisCommand creates the crisis command group.
func NewCrisisCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crisis",
		Short: "Inspect crisis state",
	}
	cmd.AddCommand(newCrisisStatusCommand(rootOpts))
	return cmd
}

func newCrisisStatusCommand(opts *RootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted crisis fallback state",
		Long: `Read the crisis fallback snapshot from a device database.

This is the state a device falls back to without network access:
the crisis level, when it was activated, and which local resources
(emergency contacts, hotline) are ready.

Examples:
  crossdevice crisis status --db ./device.db
  crossdevice crisis status --db ./device.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			status := CrisisStatus{}
			snap, err := crisis.LoadSnapshot(cmd.Context(), st)
			switch {
			case syncerr.IsNotFound(err):
			case err != nil:
				return WrapExitError(ExitCommandError, "failed to load crisis state", err)
			default:
				status = CrisisStatus{
					Recorded:               true,
					Active:                 snap.Active,
					CrisisLevel:            string(snap.CrisisLevel),
					EmergencyContactsReady: snap.EmergencyContactsReady,
					HotlineAccessReady:     snap.HotlineAccessReady,
				}
				if !snap.ActivatedAt.IsZero() {
					status.ActivatedAt = snap.ActivatedAt.UTC().Format(time.RFC3339)
				}
			}

			out := opts.formatter(cmd)
			if out.JSON() {
				return out.Success(status)
			}
			w := cmd.OutOrStdout()
			if !status.Recorded {
				fmt.Fprintln(w, "No crisis state recorded")
				return nil
			}
			state := "inactive"
			if status.Active {
				state = "ACTIVE"
			}
			fmt.Fprintf(w, "Crisis:             %s\n", state)
			if status.CrisisLevel != "" {
				fmt.Fprintf(w, "Level:              %s\n", status.CrisisLevel)
			}
			if status.ActivatedAt != "" {
				fmt.Fprintf(w, "Activated at:       %s\n", status.ActivatedAt)
			}
			fmt.Fprintf(w, "Emergency contacts: %s\n", ready(status.EmergencyContactsReady))
			fmt.Fprintf(w, "Hotline access:     %s\n", ready(status.HotlineAccessReady))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func ready(b bool) string {
	if b {
		return "ready"
	}
	return "unavailable"
}

// DeviceRow is one registered device as reported by the CLI.
type DeviceRow struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Subscription string `json:"subscription"`
	Online       bool   `json:"online"`
	Local        bool   `json:"local"`
	Primary      bool   `json:"primary"`
	LastSeen     string `json:"last_seen"`
	ChecksumOK   bool   `json:"checksum_ok"`
}

// NewDevicesCommand creates the devices command group.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect registered devices",
	}
	cmd.AddCommand(newDevicesListCommand(rootOpts))
	return cmd
}

func newDevicesListCommand(opts *RootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted devices in registration order",
		Long: `List the devices persisted in a database in registration order.

Each stored checksum is recomputed; a mismatch means the record was
altered outside the registry.

Examples:
  crossdevice devices list --db ./device.db
  crossdevice devices list --db ./device.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			devices, err := st.LoadDevices(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load devices", err)
			}
			rows := make([]DeviceRow, 0, len(devices))
			for _, d := range devices {
				sum, err := d.ComputeChecksum()
				rows = append(rows, DeviceRow{
					ID:           d.ID,
					Name:         d.Name,
					Platform:     string(d.Platform),
					Subscription: string(d.Subscription),
					Online:       d.Online,
					Local:        d.Local,
					Primary:      d.Primary,
					LastSeen:     d.LastSeen.UTC().Format(time.RFC3339),
					ChecksumOK:   err == nil && sum == d.Checksum,
				})
			}

			out := opts.formatter(cmd)
			if out.JSON() {
				return out.Success(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices registered")
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				table = append(table, []string{r.ID, r.Platform, r.Subscription, strconv.FormatBool(r.Online), role(r), checksumState(r.ChecksumOK)})
			}
			return out.Table([]string{"id", "platform", "tier", "online", "role", "checksum"}, table)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func role(r DeviceRow) string {
	switch {
	case r.Local && r.Primary:
		return "local,primary"
	case r.Local:
		return "local"
	case r.Primary:
		return "primary"
	}
	return "-"
}

func checksumState(ok bool) string {
	if ok {
		return "ok"
	}
	return "MISMATCH"
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	var dbPath, entityType, entityID string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the conflict resolution audit trail",
		Long: `Show persisted conflict resolutions, oldest first.

Entries carry IDs, strategies and checksums only, never payloads.

Examples:
  crossdevice audit --db ./device.db
  crossdevice audit --db ./device.db --entity-type assessment --entity-id a1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.AuditTrail(cmd.Context(), entityType, entityID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load audit trail", err)
			}
			out := opts.formatter(cmd)
			if out.JSON() {
				return out.Success(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conflict resolutions recorded")
				return nil
			}
			table := make([][]string, 0, len(entries))
			for _, e := range entries {
				winner := e.WinnerDeviceID
				if winner == "" {
					winner = "(merged)"
				}
				table = append(table, []string{
					e.At.UTC().Format(time.RFC3339),
					e.EntityType + "/" + e.EntityID,
					string(e.Kind),
					string(e.Strategy),
					winner,
				})
			}
			return out.Table([]string{"at", "entity", "kind", "strategy", "winner"}, table)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity ID")
	return cmd
}

// NewOperationsCommand creates the operations command.
func NewOperationsCommand(opts *RootOptions) *cobra.Command {
	var (
		dbPath     string
		crisisOnly bool
	)
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List archived operations",
		Long: `List operations archived after their retention period.

Examples:
  crossdevice operations --db ./device.db
  crossdevice operations --db ./device.db --crisis`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ops, err := st.ArchivedOperations(cmd.Context(), crisisOnly)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load operations", err)
			}
			out := opts.formatter(cmd)
			if out.JSON() {
				return out.Success(ops)
			}
			if len(ops) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No archived operations")
				return nil
			}
			table := make([][]string, 0, len(ops))
			for _, op := range ops {
				table = append(table, []string{
					op.ID,
					op.EntityType + "/" + op.EntityID,
					string(op.Status),
					strconv.Itoa(op.Priority),
					strconv.Itoa(op.Attempts),
					op.DeviceID,
				})
			}
			return out.Table([]string{"id", "entity", "status", "priority", "attempts", "device"}, table)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&crisisOnly, "crisis", false, "only crisis operations")
	return cmd
}
