package main

import (
	"fmt"
	"log/slog"

	"blockmusic/config"
	"blockmusic/core/events"
	"blockmusic/native/bank"
	"blockmusic/native/revenue"
	"blockmusic/observability"
	staterev "blockmusic/state/revenue"
	"blockmusic/storage"
)

var genesisMarkerKey = []byte("ledgerd/genesis-applied")

// ledgerNode bundles the components served over RPC.
type ledgerNode struct {
	engine *revenue.Engine
	bank   *bank.Ledger
	config *revenue.Config
}

// openNode bootstraps the revenue engine on db. Genesis allocations are
// credited once; later restarts leave balances untouched even if the
// allocation list changes.
func openNode(cfg *config.Config, db storage.Database, logger *slog.Logger) (*ledgerNode, error) {
	revCfg, err := cfg.RevenueConfig()
	if err != nil {
		return nil, err
	}
	credits, err := cfg.GenesisCredits()
	if err != nil {
		return nil, err
	}

	ledger := bank.NewLedger(db)
	engine := revenue.NewEngine()
	engine.SetState(staterev.NewStore(db))
	engine.SetBank(ledger)
	engine.SetEmitter(events.Multi{
		events.LogEmitter{Logger: logger.With(slog.String("component", "revenue"))},
		observability.NewEventCounter(),
	})

	active, err := engine.Bootstrap(revCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap revenue engine: %w", err)
	}
	if active.Owner != revCfg.Owner {
		logger.Warn("stored owner differs from configuration; the stored value wins",
			slog.String("stored", active.Owner.Hex()),
			slog.String("configured", revCfg.Owner.Hex()))
	}

	allocations := make([]bank.Allocation, 0, len(credits))
	for _, credit := range credits {
		allocations = append(allocations, bank.Allocation{Asset: string(credit.Asset), Address: credit.Address, Amount: credit.Amount})
	}
	minted, err := ledger.ApplyGenesis(genesisMarkerKey, allocations...)
	if err != nil {
		return nil, fmt.Errorf("apply genesis credits: %w", err)
	}
	if minted {
		for _, credit := range credits {
			logger.Info("genesis credit applied",
				slog.String("asset", string(credit.Asset)),
				slog.String("address", credit.Address.Hex()),
				slog.String("amount", credit.Amount.String()))
		}
	}
	return &ledgerNode{engine: engine, bank: ledger, config: active}, nil
}
