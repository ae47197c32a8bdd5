package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"smart-exec/internal/account"
	"smart-exec/internal/app"
	"smart-exec/internal/execution"
	"smart-exec/internal/loan"
	"smart-exec/internal/quote"
)

type cli struct {
	comps *app.Components
	out   io.Writer
}

func (c *cli) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "account":
		return c.account(ctx, args)
	case "trade":
		return c.trade(ctx, args)
	case "basket":
		return c.basket(ctx, args)
	case "loan":
		return c.loan(ctx, args)
	case "repay":
		return c.repay(ctx, args)
	case "history":
		return c.history(ctx, args)
	default:
		return fmt.Errorf("未知命令 %q", command)
	}
}

func (c *cli) account(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("需要子命令: create | show | list | wallet")
	}
	fs := flag.NewFlagSet("account "+args[0], flag.ContinueOnError)
	id := fs.String("id", "", "账户 ID")
	custody := fs.String("custody", "self", "托管模式 self | vault")
	wallet := fs.String("wallet", "", "钱包地址，wallet 子命令为空时断开")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	var (
		acct account.Account
		err  error
	)
	switch args[0] {
	case "create":
		mode, perr := account.ParseCustody(*custody)
		if perr != nil {
			return perr
		}
		if acct, err = c.comps.Accounts.Create(ctx, *id, mode); err != nil {
			return err
		}
		if *wallet != "" {
			acct, err = c.comps.Accounts.ConnectWallet(ctx, *id, *wallet)
		}
	case "show":
		acct, err = c.comps.Accounts.Get(ctx, *id)
	case "wallet":
		if *wallet == "" {
			acct, err = c.comps.Accounts.DisconnectWallet(ctx, *id)
		} else {
			acct, err = c.comps.Accounts.ConnectWallet(ctx, *id, *wallet)
		}
	case "list":
		accounts, lerr := c.comps.Accounts.List(ctx)
		if lerr != nil {
			return lerr
		}
		renderAccounts(c.out, accounts)
		return nil
	default:
		return fmt.Errorf("未知子命令 %q", args[0])
	}
	if err != nil {
		return err
	}

	renderAccounts(c.out, []account.Account{acct})
	warnings, err := c.comps.Warnings.Active(ctx, acct.ID)
	if err != nil {
		return err
	}
	renderWarnings(c.out, warnings)
	return nil
}

func (c *cli) trade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trade", flag.ContinueOnError)
	accountID := fs.String("account", "", "账户 ID")
	token := fs.String("token", "", "代币符号")
	usd := fs.String("usd", "", "交易金额 (USD)")
	recipient := fs.String("recipient", "", "接收地址，默认使用账户钱包或托管金库")
	borrow := fs.String("borrow", "", "附带借款本金 (USD)")
	collateral := fs.String("collateral", "", "抵押物，如 ETH:1,BTC:0.05")
	if err := fs.Parse(args); err != nil {
		return err
	}

	notional, err := decimal.NewFromString(*usd)
	if err != nil {
		return fmt.Errorf("金额无效: %w", err)
	}
	req := execution.Request{
		AccountID:   *accountID,
		Token:       *token,
		NotionalUSD: notional,
		Recipient:   *recipient,
	}
	if *borrow != "" {
		principal, err := decimal.NewFromString(*borrow)
		if err != nil {
			return fmt.Errorf("借款金额无效: %w", err)
		}
		inputs, err := parseCollateral(*collateral)
		if err != nil {
			return err
		}
		req.Loan = &execution.LoanLeg{PrincipalUSD: principal, Collateral: inputs}
	}

	rep, err := c.comps.Sequencer.Execute(ctx, req)
	return c.report(rep, err)
}

func (c *cli) basket(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("basket", flag.ContinueOnError)
	accountID := fs.String("account", "", "账户 ID")
	total := fs.String("total", "", "组合总额 (USD)")
	alloc := fs.String("alloc", "", "占比，如 ETH:60,BTC:40")
	recipient := fs.String("recipient", "", "接收地址")
	if err := fs.Parse(args); err != nil {
		return err
	}

	totalUSD, err := decimal.NewFromString(*total)
	if err != nil {
		return fmt.Errorf("总额无效: %w", err)
	}
	allocations, err := parseAllocations(*alloc)
	if err != nil {
		return err
	}

	rep, err := c.comps.Sequencer.ExecuteBasket(ctx, execution.BasketRequest{
		AccountID:   *accountID,
		Allocations: allocations,
		TotalUSD:    totalUSD,
		Recipient:   *recipient,
	})
	return c.report(rep, err)
}

// report 渲染报告；拒绝或部分失败的执行仍输出报告，再返回错误。
func (c *cli) report(rep execution.Report, err error) error {
	if rep.ExecutionID == "" {
		return err
	}
	renderReport(c.out, rep)
	return err
}

func (c *cli) loan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("loan", flag.ContinueOnError)
	accountID := fs.String("account", "", "账户 ID")
	principal := fs.String("principal", "", "借款本金 (USD)")
	collateral := fs.String("collateral", "", "抵押物，如 ETH:1,BTC:0.05")
	ltv := fs.String("ltv", "", "LTV 上限，默认按 KYC 等级")
	list := fs.Bool("list", false, "仅列出账户借款")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *list {
		positions, err := c.comps.Loans.ListByAccount(ctx, *accountID)
		if err != nil {
			return err
		}
		renderLoans(c.out, positions)
		return nil
	}

	acct, err := c.comps.Accounts.Get(ctx, *accountID)
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(*principal)
	if err != nil {
		return fmt.Errorf("借款金额无效: %w", err)
	}
	inputs, err := parseCollateral(*collateral)
	if err != nil {
		return err
	}

	ceiling := decimal.Zero
	if *ltv != "" {
		if ceiling, err = decimal.NewFromString(*ltv); err != nil {
			return fmt.Errorf("LTV 无效: %w", err)
		}
	} else if ceiling, err = c.comps.Loans.CeilingFor(acct.KYCTier); err != nil {
		return err
	}

	reqs := make([]quote.Request, len(inputs))
	for i, in := range inputs {
		reqs[i] = quote.Request{Token: in.Symbol, AmountUSD: amount}
	}
	quotes, err := quote.QuoteMany(ctx, c.comps.Quotes, reqs)
	if err != nil {
		return err
	}
	prices := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		prices[q.Token] = q.PriceUSD
	}

	pos, err := c.comps.Loans.OpenLoan(ctx, loan.OpenRequest{
		AccountID:    acct.ID,
		PrincipalUSD: amount,
		Collateral:   inputs,
		Prices:       prices,
		LTVCeiling:   ceiling,
	})
	if err != nil {
		return err
	}
	renderLoans(c.out, []loan.Position{pos})
	return nil
}

func (c *cli) repay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("repay", flag.ContinueOnError)
	loanID := fs.String("loan", "", "借款 ID")
	amount := fs.String("amount", "", "还款金额 (USD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	value, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("还款金额无效: %w", err)
	}
	pos, err := c.comps.Loans.Repay(ctx, *loanID, value)
	if err != nil {
		return err
	}
	renderLoans(c.out, []loan.Position{pos})
	return nil
}

func (c *cli) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	accountID := fs.String("account", "", "账户 ID")
	executionID := fs.String("id", "", "执行 ID，指定时输出完整报告")
	limit := fs.Int("limit", 20, "最多条数")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *executionID != "" {
		rep, err := c.comps.Sequencer.Get(ctx, *executionID)
		if err != nil {
			return err
		}
		renderReport(c.out, rep)
		return nil
	}

	reports, err := c.comps.Sequencer.History(ctx, *accountID, *limit)
	if err != nil {
		return err
	}
	renderHistory(c.out, reports)
	return nil
}

// parseCollateral 解析 "ETH:1,BTC:0.05"。
func parseCollateral(raw string) ([]loan.CollateralInput, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	out := make([]loan.CollateralInput, len(pairs))
	for i, p := range pairs {
		out[i] = loan.CollateralInput{Symbol: p.symbol, Amount: p.value}
	}
	return out, nil
}

// parseAllocations 解析 "ETH:60,BTC:40"。
func parseAllocations(raw string) ([]execution.Allocation, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	out := make([]execution.Allocation, len(pairs))
	for i, p := range pairs {
		out[i] = execution.Allocation{Symbol: p.symbol, Percent: p.value}
	}
	return out, nil
}

type pair struct {
	symbol string
	value  decimal.Decimal
}

func parsePairs(raw string) ([]pair, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("列表不能为空")
	}
	var out []pair
	for _, part := range strings.Split(raw, ",") {
		symbol, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("格式应为 SYMBOL:VALUE，实际 %q", part)
		}
		v, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%s 数值无效: %w", symbol, err)
		}
		out = append(out, pair{symbol: strings.ToUpper(strings.TrimSpace(symbol)), value: v})
	}
	return out, nil
}
