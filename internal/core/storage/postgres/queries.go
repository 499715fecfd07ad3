package postgres

// SQL for events, quantified units, chain state and checkpoints.

const (
	// querySaveEvent inserts an event idempotently on (subscription_id, id).
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates.
	querySaveEvent = `
		INSERT INTO events (
			id, subscription_id, code, timestamp, ingested_at, metadata, properties
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscription_id, id) DO NOTHING
		RETURNING ingest_seq
	`

	// queryRetrieveEventsAfterCursor reads the log in strict ingest order.
	queryRetrieveEventsAfterCursor = `
		SELECT
			id, subscription_id, code, timestamp, ingested_at, metadata, properties, ingest_seq
		FROM events
		WHERE ingest_seq > $1
		ORDER BY ingest_seq ASC
		LIMIT $2
	`

	// queryRetrieveSubscriptionEvents reads one subscription's events; $2 = '' matches every code.
	queryRetrieveSubscriptionEvents = `
		SELECT
			id, subscription_id, code, timestamp, ingested_at, metadata, properties, ingest_seq
		FROM events
		WHERE subscription_id = $1
		  AND ($2 = '' OR code = $2)
		  AND timestamp >= $3
		  AND timestamp < $4
		ORDER BY ingest_seq ASC
		LIMIT $5
	`

	queryListUnits = `
		SELECT id, unique_id, subscription_id, metric_code, group_key, added_at, removed_at
		FROM quantified_events
		WHERE subscription_id = $1
		  AND metric_code = $2
		  AND group_key = $3
		  AND added_at <= $5
		  AND (removed_at IS NULL OR removed_at > $4)
		ORDER BY added_at ASC, unique_id ASC
	`

	queryListOpenUnits = `
		SELECT unique_id
		FROM quantified_events
		WHERE subscription_id = $1
		  AND metric_code = $2
		  AND group_key = $3
		  AND removed_at IS NULL
	`

	queryOpenUnit = `
		INSERT INTO quantified_events (
			id, unique_id, subscription_id, metric_code, group_key, added_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	queryCloseUnit = `
		UPDATE quantified_events
		SET removed_at = GREATEST($5, added_at)
		WHERE subscription_id = $1
		  AND metric_code = $2
		  AND group_key = $3
		  AND unique_id = $4
		  AND removed_at IS NULL
	`

	queryLoadChainState = `
		SELECT current_aggregation, max_aggregation, max_aggregation_with_proration, version
		FROM chain_states
		WHERE subscription_id = $1
		  AND metric_code = $2
		  AND group_key = $3
		  AND period_from = $4
	`

	// queryInsertEventResult is the idempotency gate of a transition.
	queryInsertEventResult = `
		INSERT INTO event_results (
			subscription_id, metric_code, event_id, group_key, period_from,
			operation, unique_id, pay_in_advance_aggregation, units_applied,
			current_aggregation, max_aggregation, max_aggregation_with_proration,
			version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (subscription_id, metric_code, event_id) DO NOTHING
	`

	queryInsertChainState = `
		INSERT INTO chain_states (
			subscription_id, metric_code, group_key, period_from,
			current_aggregation, max_aggregation, max_aggregation_with_proration,
			version, last_event_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subscription_id, metric_code, group_key, period_from) DO NOTHING
	`

	// queryUpdateChainState is a compare-and-set on version.
	queryUpdateChainState = `
		UPDATE chain_states
		SET current_aggregation = $5,
			max_aggregation = $6,
			max_aggregation_with_proration = $7,
			version = $8,
			last_event_id = $9,
			updated_at = $10
		WHERE subscription_id = $1
		  AND metric_code = $2
		  AND group_key = $3
		  AND period_from = $4
		  AND version = $11
	`

	queryListEventResults = `
		SELECT
			event_id, operation, unique_id, pay_in_advance_aggregation, units_applied,
			current_aggregation, max_aggregation, max_aggregation_with_proration,
			version, created_at
		FROM event_results
		WHERE subscription_id = $1
		  AND metric_code = $2
		  AND group_key = $3
		  AND period_from = $4
		ORDER BY version ASC
	`

	querySelectCheckpointForUpdate = `
		SELECT checkpoint_cursor
		FROM pipeline_checkpoints
		WHERE name = $1
		FOR UPDATE
	`

	queryInitCheckpointRow = `
		INSERT INTO pipeline_checkpoints (name, checkpoint_cursor, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (name) DO NOTHING
	`

	queryUpdateCheckpoint = `
		UPDATE pipeline_checkpoints
		SET checkpoint_cursor = $1, updated_at = $2
		WHERE name = $3
	`

	queryReadCheckpoint = `SELECT checkpoint_cursor FROM pipeline_checkpoints WHERE name = $1`

	// queryLifecycleAt picks the subscription of the chain that was billing at $2:
	// the latest one started by then.
	queryLifecycleAt = `
		SELECT
			id, external_id, started_at, subscription_at, terminated_at, status,
			billing_timing, billing_anchor, billing_interval, timezone, previous_subscription_id
		FROM subscriptions
		WHERE external_id = $1
		  AND started_at <= $2
		ORDER BY started_at DESC
		LIMIT 1
	`

	queryLifecycleByID = `
		SELECT
			id, external_id, started_at, subscription_at, terminated_at, status,
			billing_timing, billing_anchor, billing_interval, timezone, previous_subscription_id
		FROM subscriptions
		WHERE id = $1
	`

	queryUpsertSubscription = `
		INSERT INTO subscriptions (
			id, external_id, started_at, subscription_at, terminated_at, status,
			billing_timing, billing_anchor, billing_interval, timezone, previous_subscription_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			terminated_at = EXCLUDED.terminated_at,
			status        = EXCLUDED.status
	`
)
