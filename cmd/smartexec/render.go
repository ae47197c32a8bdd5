package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"smart-exec/internal/account"
	"smart-exec/internal/execution"
	"smart-exec/internal/loan"
	"smart-exec/internal/warning"
)

func renderAccounts(out io.Writer, accounts []account.Account) {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Tier", "Risk", "Custody", "Wallet", "Last activity")
	for _, a := range accounts {
		table.Append(
			a.ID,
			fmt.Sprintf("%d", int(a.KYCTier)),
			string(a.RiskLevel),
			string(a.Custody),
			a.Wallet,
			formatTime(a.LastActivity),
		)
	}
	table.Render()
}

func renderWarnings(out io.Writer, warnings []warning.Warning) {
	if len(warnings) == 0 {
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("Warning", "Severity", "Message", "Suggested action")
	for _, w := range warnings {
		table.Append(w.ID, string(w.Severity), w.Message, w.SuggestedAction)
	}
	table.Render()
}

func renderReport(out io.Writer, rep execution.Report) {
	fmt.Fprintf(out, "execution %s (%s) account=%s state=%s", rep.ExecutionID, rep.Kind, rep.AccountID, rep.State)
	if rep.Code != "" {
		fmt.Fprintf(out, " code=%s", rep.Code)
	}
	fmt.Fprintf(out, "\nnotional=$%s confirmed=$%s risk=%s recipient=%s",
		rep.NotionalUSD.StringFixed(2), rep.ConfirmedUSD().StringFixed(2), rep.RiskLevel, rep.Recipient)
	if rep.LoanID != "" {
		fmt.Fprintf(out, " loan=%s", rep.LoanID)
	}
	fmt.Fprintln(out)
	if rep.Reason != "" {
		fmt.Fprintf(out, "reason: %s\n", rep.Reason)
	}

	if len(rep.Steps) > 0 {
		table := tablewriter.NewWriter(out)
		table.Header("#", "Token", "USD", "Amount", "Status", "Tx")
		for _, s := range rep.Steps {
			table.Append(
				fmt.Sprintf("%d", s.Index+1),
				s.Token,
				"$"+s.AmountUSD.StringFixed(2),
				s.TokenAmount.String(),
				string(s.Status),
				s.TxHash,
			)
		}
		table.Render()
	}

	table := tablewriter.NewWriter(out)
	table.Header("Seq", "Time", "Kind", "Message")
	for _, e := range rep.Entries {
		table.Append(fmt.Sprintf("%d", e.Seq), formatTime(e.At), e.Kind, e.Message)
	}
	table.Render()
}

func renderHistory(out io.Writer, reports []execution.Report) {
	table := tablewriter.NewWriter(out)
	table.Header("Execution", "Kind", "State", "Code", "USD", "Confirmed", "Txs", "Started")
	for _, r := range reports {
		table.Append(
			r.ExecutionID,
			r.Kind,
			string(r.State),
			r.Code,
			"$"+r.NotionalUSD.StringFixed(2),
			"$"+r.ConfirmedUSD().StringFixed(2),
			fmt.Sprintf("%d", len(r.TxHashes)),
			formatTime(r.StartedAt),
		)
	}
	table.Render()
}

func renderLoans(out io.Writer, positions []loan.Position) {
	table := tablewriter.NewWriter(out)
	table.Header("Loan", "Status", "Principal", "Collateral", "Collateral USD", "LTV", "Ceiling")
	for _, p := range positions {
		symbols := make([]string, len(p.Collateral))
		for i, c := range p.Collateral {
			symbols[i] = c.Amount.String() + " " + c.Symbol
		}
		table.Append(
			p.ID,
			string(p.Status),
			"$"+p.Principal.StringFixed(2),
			strings.Join(symbols, ", "),
			"$"+p.CollateralUSD.StringFixed(2),
			p.LTV.StringFixed(4),
			p.LTVCeiling.StringFixed(2),
		)
	}
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
