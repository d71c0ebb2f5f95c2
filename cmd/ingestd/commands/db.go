package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/am"
	"github.com/teranos/ingestd/db"
	"github.com/teranos/ingestd/ixgest/snapshot"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Database maintenance",
	Long: sym.DB + ` db — Database maintenance

Examples:
  ingestd db status           # List migrations not yet applied
  ingestd db migrate          # Apply pending migrations
  ingestd db purge-tenants    # Delete snapshots of snapshot.delete_tenants`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations not yet applied",
	RunE:  runDbStatus,
}

var dbPurgeTenantsCmd = &cobra.Command{
	Use:   "purge-tenants",
	Short: "Delete the snapshots of every tenant listed in snapshot.delete_tenants",
	RunE:  runDbPurgeTenants,
}

func init() {
	DbCmd.AddCommand(dbStatusCmd)
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbPurgeTenantsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	pterm.Success.Printf("%s %s is up to date\n", sym.DB, cfg.GetDatabasePath())
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	conn, err := db.Open(cfg.GetDatabasePath(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	pending, err := db.Pending(conn)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		pterm.Success.Printf("%s %s has no pending migrations\n", sym.DB, cfg.GetDatabasePath())
		return nil
	}

	data := pterm.TableData{{"VERSION", "FILE"}}
	for _, m := range pending {
		data = append(data, []string{m.Version, m.File})
	}
	pterm.Warning.Printf("%d pending migration(s) for %s\n", len(pending), cfg.GetDatabasePath())
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runDbPurgeTenants(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(cfg.Snapshot.DeleteTenants) == 0 {
		pterm.Info.Println("snapshot.delete_tenants is empty, nothing to purge")
		return nil
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	writer := snapshot.NewWriter(snapshot.NewStore(conn), snapshot.NewSettings(cfg.Snapshot), logger.Logger)
	if err := writer.PurgeDeletedTenants(context.Background()); err != nil {
		return err
	}
	pterm.Success.Printf("Purged snapshots of %d tenant(s)\n", len(cfg.Snapshot.DeleteTenants))
	return nil
}
