package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is one SQL invariant over the live schema. A row returned is a
// violation.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_agreement_only_from_agreed",
			SQL: `SELECT provider_pid, state FROM negotiation_processes
                  WHERE agreement IS NOT NULL
                    AND state NOT IN ('AGREED','VERIFIED','FINALIZED')`,
		},
		{
			Name: "O2_agreed_states_carry_agreement",
			SQL: `SELECT provider_pid, state FROM negotiation_processes
                  WHERE agreement IS NULL
                    AND state IN ('AGREED','VERIFIED','FINALIZED')`,
		},
		{
			Name: "O3_agreement_target_matches_offer",
			SQL: `SELECT provider_pid FROM negotiation_processes
                  WHERE agreement IS NOT NULL
                    AND agreement->>'target' IS DISTINCT FROM offer->>'target'`,
		},
		{
			Name: "O4_transfer_requires_finalized_negotiation",
			SQL: `SELECT t.provider_pid, t.agreement_id FROM transfer_processes t
                  LEFT JOIN negotiation_processes n ON n.agreement_id = t.agreement_id
                  WHERE n.provider_pid IS NULL OR n.state <> 'FINALIZED'`,
		},
		{
			Name: "O5_version_and_timestamps_monotonic",
			SQL: `SELECT provider_pid FROM negotiation_processes
                  WHERE version < 1 OR updated_at < created_at
                  UNION ALL
                  SELECT provider_pid FROM transfer_processes
                  WHERE version < 1 OR updated_at < created_at`,
		},
		{
			Name: "O6_no_duplicate_agreement_ids",
			SQL: `SELECT agreement_id FROM negotiation_processes
                  WHERE agreement_id IS NOT NULL
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_embedded_offers_carry_no_target",
			SQL: `SELECT id FROM datasets, jsonb_array_elements(document->'hasPolicy') AS policy
                  WHERE policy ? 'target' AND policy->>'target' <> ''`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
