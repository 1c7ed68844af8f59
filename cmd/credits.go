package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust account credit balances",
}

// -- credits show --

var creditsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show an account's credit balances",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, _, err := initLedgerStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := resolveAccount(ctx, st, cmd)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Account:   %s\n", acct.ID)
		fmt.Fprintf(os.Stdout, "Allowance: %d\n", acct.AllowanceCredits)
		fmt.Fprintf(os.Stdout, "Purchased: %d\n", acct.PurchasedCredits)
		fmt.Fprintf(os.Stdout, "Available: %d\n", acct.Available())
		return nil
	},
}

// -- credits grant --

var creditsGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Add credits to an account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, led, err := initLedgerStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := resolveAccount(ctx, st, cmd)
		if err != nil {
			return err
		}

		amount, _ := cmd.Flags().GetInt("amount")
		if amount <= 0 {
			return eris.New("--amount must be positive")
		}

		kindStr, _ := cmd.Flags().GetString("kind")
		var kind model.TransactionKind
		switch kindStr {
		case "grant":
			kind = model.TransactionGrant
		case "purchase":
			kind = model.TransactionPurchase
		default:
			return eris.Errorf("unsupported kind %q (want grant or purchase)", kindStr)
		}

		note, _ := cmd.Flags().GetString("note")
		if note == "" {
			note = fmt.Sprintf("operator %s", kindStr)
		}

		balance, err := led.Grant(ctx, acct.ID, amount, kind, note)
		if err != nil {
			return eris.Wrap(err, "grant credits")
		}

		fmt.Fprintf(os.Stdout, "Granted %d %s credits to %s. Available: %d\n",
			amount, kindStr, acct.ID, balance)
		return nil
	},
}

// -- credits history --

var creditsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List an account's ledger transactions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, _, err := initLedgerStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := resolveAccount(ctx, st, cmd)
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		txs, err := st.ListLedgerTransactions(ctx, acct.ID, limit)
		if err != nil {
			return eris.Wrap(err, "list transactions")
		}

		if len(txs) == 0 {
			fmt.Fprintln(os.Stderr, "No transactions found.")
			return nil
		}

		formatTransactions(os.Stdout, txs)
		return nil
	},
}

// resolveAccount looks up the account named by --account or --key.
func resolveAccount(ctx context.Context, st store.Store, cmd *cobra.Command) (*model.Account, error) {
	accountID, _ := cmd.Flags().GetString("account")
	apiKey, _ := cmd.Flags().GetString("key")

	switch {
	case accountID != "":
		acct, err := st.GetAccount(ctx, accountID)
		if err != nil {
			return nil, eris.Wrapf(err, "account %s", accountID)
		}
		return acct, nil
	case apiKey != "":
		acct, err := st.GetAccountByAPIKey(ctx, apiKey)
		if err != nil {
			return nil, eris.Wrap(err, "account by key")
		}
		return acct, nil
	default:
		return nil, eris.New("one of --account or --key is required")
	}
}

func formatTransactions(w io.Writer, txs []model.LedgerTransaction) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tKIND\tAMOUNT\tBALANCE\tDESCRIPTION")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%+d\t%d\t%s\n",
			tx.CreatedAt.Format("2006-01-02 15:04"),
			tx.Kind,
			tx.Amount,
			tx.BalanceAfter,
			tx.Description,
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	for _, c := range []*cobra.Command{creditsShowCmd, creditsGrantCmd, creditsHistoryCmd} {
		c.Flags().String("account", "", "account ID")
		c.Flags().String("key", "", "account API key")
	}
	creditsGrantCmd.Flags().Int("amount", 0, "credits to add")
	creditsGrantCmd.Flags().String("kind", "purchase", "transaction kind: grant or purchase")
	creditsGrantCmd.Flags().String("note", "", "ledger description")
	creditsHistoryCmd.Flags().Int("limit", 50, "max transactions to show")

	creditsCmd.AddCommand(creditsShowCmd, creditsGrantCmd, creditsHistoryCmd)
	rootCmd.AddCommand(creditsCmd)
}
