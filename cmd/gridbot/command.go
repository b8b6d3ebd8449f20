package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/internal/config"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
)

// runCommandSurface is the line-oriented reader for the interactive
// command surface: quit, orders, balance, stop, restart, pause <seconds>.
// Unknown commands produce a command error surfaced to the operator on
// stderr, never an abort.
func runCommandSurface(app *engine) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: quit | orders | balance | stop | restart | pause <seconds>")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "quit", "exit":
			app.bus.Publish(eventbus.StopBot, "quit command")
			return
		case "orders":
			printOrdersTable(app)
		case "balance":
			printBalanceTable(app)
		case "stop":
			app.bus.Publish(eventbus.StopBot, "stop command")
		case "restart":
			app.bus.Publish(eventbus.StartBot, "restart command")
		case "pause":
			if len(fields) != 2 {
				reportCommandError(line, "pause requires a single <seconds> argument")
				continue
			}
			seconds, err := strconv.Atoi(fields[1])
			if err != nil || seconds <= 0 {
				reportCommandError(line, "pause argument must be a positive integer number of seconds")
				continue
			}
			go pauseAndResume(app, seconds)
		default:
			reportCommandError(line, "unrecognized command")
		}
	}
}

func reportCommandError(line, reason string) {
	err := boterrors.New(boterrors.CategoryCommand, "command-surface", line, reason)
	fmt.Fprintf(os.Stderr, "gridbot: %v\n", err)
}

// printOrdersTable renders every currently-open order the book knows
// about.
func printOrdersTable(app *engine) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("OPEN ORDERS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Side", "Price", "Filled", "Remaining", "Status"})

	for _, o := range app.book.AllOpen() {
		t.AppendRow(table.Row{o.ID, o.Side, fmt.Sprintf("%.8f", o.Price), fmt.Sprintf("%.8f", o.Filled), fmt.Sprintf("%.8f", o.Remaining), o.Status})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
	})
	t.Render()
}

// printBalanceTable renders the Balance Tracker's current snapshot.
func printBalanceTable(app *engine) {
	snap := app.bal.Snapshot()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("BALANCE")
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Margin Balance", fmt.Sprintf("%.8f", snap.MarginBalance)},
		{"Reserved Margin", fmt.Sprintf("%.8f", snap.ReservedMargin)},
		{"Long Position", fmt.Sprintf("%.8f @ %.8f", snap.LongPosition, snap.LongAvgPrice)},
		{"Short Position", fmt.Sprintf("%.8f @ %.8f", snap.ShortPosition, snap.ShortAvgPrice)},
		{"Unrealized PnL", fmt.Sprintf("%.8f", snap.UnrealizedPnL)},
		{"Realized PnL", fmt.Sprintf("%.8f", snap.RealizedPnL)},
		{"Trading Fees", fmt.Sprintf("%.8f", snap.TotalFees)},
		{"Funding Fees", fmt.Sprintf("%.8f", snap.FundingFees)},
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 20, Align: text.AlignLeft},
	})
	t.Render()
}

func printStartupTable(cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("GRIDBOT STARTUP")
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{"Symbol", cfg.Symbol()})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 15, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Println()
}
