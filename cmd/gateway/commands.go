package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/config"
	"github.com/aman-churiwal/quota-gateway/internal/repository"
	"github.com/aman-churiwal/quota-gateway/internal/storage"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	log "github.com/sirupsen/logrus"
)

// CheckCmd validates the config and prints the resulting tier table
type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var db *storage.Postgres
	if cfg.RateLimit.TierSource == config.TierSourceDatabase {
		db, err = openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	table, resolver, err := buildPolicy(ctx, cfg, db)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tCAPACITY\tREFILL/S\tTTL")
	for _, t := range table.Tiers() {
		fmt.Fprintf(w, "%s\t%g\t%.4f\t%ds\n", t.Name, t.Capacity, t.RefillRate, t.TTLSeconds())
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if pr, ok := resolver.(*tier.PrefixResolver); ok {
		fmt.Println()
		for _, rule := range pr.Rules() {
			fmt.Printf("%s* -> %s\n", rule.Prefix, rule.Tier)
		}
	}

	fmt.Printf("\nbackend=%s failure_policy=%s resolver=%s\n",
		cfg.RateLimit.Backend, cfg.FailurePolicy(), resolver.Name())
	return nil
}

// SeedTiersCmd copies the tiers and prefixes from the config file into the
// database tier source
type SeedTiersCmd struct{}

func (c *SeedTiersCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}

	table, err := tier.NewTable(cfg.Tiers())
	if err != nil {
		return fmt.Errorf("invalid tier table: %w", err)
	}
	if len(cfg.Rules()) > 0 {
		if _, err := tier.NewPrefixResolver(table, cfg.Rules()); err != nil {
			return fmt.Errorf("invalid credential rules: %w", err)
		}
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repository.NewTierRepository(db).ReplacePolicy(ctx, table.Tiers(), cfg.Rules()); err != nil {
		return fmt.Errorf("failed to seed tiers: %w", err)
	}

	log.WithFields(log.Fields{
		"tiers":    table.Len(),
		"prefixes": len(cfg.Rules()),
	}).Info("seeded tier table")
	return nil
}
