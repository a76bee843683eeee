package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chaintrail/chaintrail/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	format    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chaintrail",
	Short: "ChainTrail tamper-evident audit ledger CLI",
	Long: `chaintrail is the command-line interface for a ChainTrail ledgerd
instance. It appends audit entries, verifies chain integrity, queries
entries, and manages disaster-recovery replication.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.chaintrail")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chaintrail/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(replicationCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(versionCmd)
}

func api() *client.Client {
	return client.New(serverURL)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ── log ──────────────────────────────────────────────────────────────────────

var logMeta []string

var logCmd = &cobra.Command{
	Use:   "log <level> <message>",
	Short: "Append an audit entry to the ledger",
	Long: `Append one immutable entry. Levels: INFO, WARN, ERROR, CRITICAL,
AUDIT, SECURITY, REVENUE, SYSTEM. Metadata is passed as repeated key=value
flags:

  chaintrail log REVENUE "payment received" --meta amount=1000 --meta currency=USD`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata := make(map[string]any, len(logMeta))
		for _, kv := range logMeta {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --meta %q, expected key=value", kv)
			}
			metadata[k] = v
		}

		receipt, err := api().Log(cmd.Context(), strings.ToUpper(args[0]), args[1], metadata)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(receipt)
		}
		fmt.Printf("sealed block %d\nhash: %s\n", receipt.Index, receipt.Hash)
		return nil
	},
}

func init() {
	logCmd.Flags().StringArrayVar(&logMeta, "meta", nil, "Metadata key=value (repeatable)")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom int
	verifyTo   int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash-chain integrity across archives and the primary store",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := api().Verify(cmd.Context(), verifyFrom, verifyTo)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(res)
		}
		if res.Valid {
			fmt.Printf("chain valid (%d blocks checked)\n", res.Checked)
			return nil
		}
		fmt.Printf("chain BROKEN at block %d\n", res.FirstBrokenIndex)
		os.Exit(1)
		return nil
	},
}

func init() {
	verifyCmd.Flags().IntVar(&verifyFrom, "from", 0, "First block index to verify")
	verifyCmd.Flags().IntVar(&verifyTo, "to", -1, "Last block index to verify (-1 for chain tail)")
}

// ── read / search ────────────────────────────────────────────────────────────

var (
	readLimit int
	readLevel string
	readStart string
	readEnd   string
)

func readOptions() (client.ReadOptions, error) {
	opts := client.ReadOptions{Limit: readLimit, Level: strings.ToUpper(readLevel)}
	parse := func(raw string, dst *time.Time) error {
		if raw == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid time %q, expected RFC 3339: %w", raw, err)
		}
		*dst = t
		return nil
	}
	if err := parse(readStart, &opts.Start); err != nil {
		return opts, err
	}
	if err := parse(readEnd, &opts.End); err != nil {
		return opts, err
	}
	return opts, nil
}

func addReadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&readLimit, "limit", 20, "Maximum entries to return")
	cmd.Flags().StringVar(&readLevel, "level", "", "Filter by level")
	cmd.Flags().StringVar(&readStart, "start", "", "Only entries at or after this RFC 3339 time")
	cmd.Flags().StringVar(&readEnd, "end", "", "Only entries at or before this RFC 3339 time")
}

func printEntries(res *client.ReadResult) error {
	if format == "json" {
		return printJSON(res)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tLEVEL\tMESSAGE")
	for _, e := range res.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
	}
	w.Flush()
	if len(res.Unreadable) > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d block(s) failed payload authentication: %v\n",
			len(res.Unreadable), res.Unreadable)
	}
	return nil
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read entries, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := readOptions()
		if err != nil {
			return err
		}
		res, err := api().Read(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return printEntries(res)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search decoded entries for a substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := readOptions()
		if err != nil {
			return err
		}
		res, err := api().Search(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		return printEntries(res)
	},
}

func init() {
	addReadFlags(readCmd)
	addReadFlags(searchCmd)
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := api().Stats(cmd.Context())
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(st)
		}
		fmt.Printf("entries:      %d\n", st.TotalEntries)
		fmt.Printf("chain length: %d\n", st.ChainLength)
		fmt.Printf("storage:      %d bytes\n", st.StorageSize)
		fmt.Printf("verified:     %t\n", st.Verified)
		if st.Oldest != nil && st.Newest != nil {
			fmt.Printf("range:        %s .. %s\n",
				st.Oldest.Format(time.RFC3339), st.Newest.Format(time.RFC3339))
		}
		if len(st.Levels) > 0 {
			fmt.Println("levels:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for level, n := range st.Levels {
				fmt.Fprintf(w, "  %s\t%d\n", level, n)
			}
			w.Flush()
		}
		return nil
	},
}

// ── replication / restore ────────────────────────────────────────────────────

var replicationCmd = &cobra.Command{
	Use:   "replication",
	Short: "Inspect disaster-recovery replication",
}

var replicationStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remote-mirror sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := api().ReplicationStatus(cmd.Context())
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(st)
		}
		fmt.Printf("local blocks:  %d\n", st.LocalBlocks)
		fmt.Printf("remote blocks: %d\n", st.RemoteBlocks)
		fmt.Printf("missing:       %d\n", st.Missing)
		fmt.Printf("synced:        %.1f%%\n", st.SyncPercentage)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild the local chain from the remote mirror",
	Long: `Restore reconstructs the full chain from the configured remote store
after total local-storage loss, then re-verifies it. Existing local data is
replaced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()

		res, err := api().Restore(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(res)
		}
		fmt.Printf("restored %d blocks, verified: %t\n", res.Restored, res.Valid)
		if !res.Valid {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	replicationCmd.AddCommand(replicationStatusCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("chaintrail", version)
	},
}
