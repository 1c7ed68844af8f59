package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospector/internal/ledger"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

// seedAccount is one entry in the --seed YAML file.
type seedAccount struct {
	APIKey    string `yaml:"api_key"`
	Allowance int    `yaml:"allowance"`
	Purchased int    `yaml:"purchased"`
}

var migrateSeedPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Creates or updates the accounts, ledger, and job tables. With --seed, also creates accounts from a YAML file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, led, err := initLedgerStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Fprintln(os.Stdout, "Migrations applied.")

		if migrateSeedPath == "" {
			return nil
		}

		seeds, err := loadSeedAccounts(migrateSeedPath)
		if err != nil {
			return err
		}
		return applySeeds(ctx, st, led, seeds, os.Stdout)
	},
}

// applySeeds creates an account per seed entry and credits each pool
// through the ledger so the grants show up in the transaction history.
func applySeeds(ctx context.Context, st store.Store, led *ledger.Service, seeds []seedAccount, out io.Writer) error {
	for _, seed := range seeds {
		// Skip keys that already have an account so re-running the
		// seed does not double-grant.
		if _, err := st.GetAccountByAPIKey(ctx, seed.APIKey); err == nil {
			fmt.Fprintf(out, "Account for key %s already exists, skipping.\n", maskKey(seed.APIKey))
			continue
		}

		acct, err := st.CreateAccount(ctx, seed.APIKey, 0, 0)
		if err != nil {
			return eris.Wrapf(err, "seed account %s", maskKey(seed.APIKey))
		}
		if seed.Allowance > 0 {
			if _, err := led.GrantAllowance(ctx, acct.ID, seed.Allowance, "seed allowance"); err != nil {
				return eris.Wrapf(err, "seed allowance for %s", acct.ID)
			}
		}
		if seed.Purchased > 0 {
			if _, err := led.Grant(ctx, acct.ID, seed.Purchased, model.TransactionPurchase, "seed purchase"); err != nil {
				return eris.Wrapf(err, "seed purchase for %s", acct.ID)
			}
		}
		fmt.Fprintf(out, "Created account %s (key %s) with %d+%d credits.\n",
			acct.ID, maskKey(seed.APIKey), seed.Allowance, seed.Purchased)
	}
	return nil
}

// loadSeedAccounts parses the seed YAML, a list of api_key/allowance/purchased
// entries.
func loadSeedAccounts(path string) ([]seedAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read seed file")
	}

	var seeds []seedAccount
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, eris.Wrap(err, "parse seed file")
	}

	for i, s := range seeds {
		if s.APIKey == "" {
			return nil, eris.Errorf("seed entry %d: api_key is required", i)
		}
		if s.Allowance < 0 || s.Purchased < 0 {
			return nil, eris.Errorf("seed entry %d: credit amounts must be non-negative", i)
		}
	}
	return seeds, nil
}

// maskKey shows only the first few characters of an API key.
func maskKey(key string) string {
	if len(key) <= 6 {
		return "******"
	}
	return key[:6] + "..."
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSeedPath, "seed", "", "YAML file of accounts to create")
	rootCmd.AddCommand(migrateCmd)
}
