package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DelegationWriter publishes TXT tokens under a proxy label.
type DelegationWriter interface {
	// SetTxtByLabel replaces the TXT set of label.proxyZone with tokens. It
	// reports whether the stored set changed.
	SetTxtByLabel(ctx context.Context, proxyZone, label string, tokens []string) (bool, error)
}

const delegationTxtTTL = 60

// PowerDNSWriter writes delegation records straight into the PowerDNS
// generic SQL backend.
type PowerDNSWriter struct {
	db *pgxpool.Pool
}

// NewPowerDNSWriter creates a new PowerDNSWriter
func NewPowerDNSWriter(db *pgxpool.Pool) *PowerDNSWriter {
	return &PowerDNSWriter{db: db}
}

// SetTxtByLabel swaps the record set inside one transaction so resolvers
// never observe a partial set.
func (w *PowerDNSWriter) SetTxtByLabel(ctx context.Context, proxyZone, label string, tokens []string) (bool, error) {
	name := label + "." + strings.TrimSuffix(proxyZone, ".")
	want := quoteTokens(tokens)

	changed := false
	err := pgx.BeginFunc(ctx, w.db, func(tx pgx.Tx) error {
		var domainID int
		err := tx.QueryRow(ctx, `SELECT id FROM domains WHERE name = $1`, proxyZone).Scan(&domainID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("proxy zone %s not served by powerdns", proxyZone)
			}
			return fmt.Errorf("get dns zone id: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT content FROM records WHERE domain_id = $1 AND name = $2 AND type = 'TXT' FOR UPDATE`,
			domainID, name)
		if err != nil {
			return fmt.Errorf("read txt records: %w", err)
		}
		current, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("read txt records: %w", err)
		}
		slices.Sort(current)
		if slices.Equal(current, want) {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM records WHERE domain_id = $1 AND name = $2 AND type = 'TXT'`,
			domainID, name); err != nil {
			return fmt.Errorf("delete txt records: %w", err)
		}
		for _, content := range want {
			if _, err := tx.Exec(ctx,
				`INSERT INTO records (domain_id, name, type, content, ttl, prio) VALUES ($1, $2, 'TXT', $3, $4, 0)`,
				domainID, name, content, delegationTxtTTL); err != nil {
				return fmt.Errorf("write txt record: %w", err)
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// quoteTokens renders tokens as sorted, de-duplicated TXT contents.
func quoteTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		out = append(out, `"`+t+`"`)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
