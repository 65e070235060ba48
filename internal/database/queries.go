package database

// SQL queries, grouped by table.

// Agent command queries
const (
	// CommandInsert inserts a new command in CREATED state.
	CommandInsert = `
		INSERT INTO agent_commands (command_id, agent_id, command_type, command_status, command_data)
		VALUES ($1, $2, $3, 'CREATED', $4)
		RETURNING created_at`

	// CommandNext locks the next batch of CREATED commands, oldest first.
	// Rows locked by concurrent transactions are skipped.
	CommandNext = `
		SELECT command_id, agent_id, command_type, command_status, command_data, created_at, sent_at
		FROM agent_commands
		WHERE command_status = 'CREATED'
		ORDER BY created_at, command_id
		OFFSET $1
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	// CommandMarkSent moves a command from CREATED to SENT.
	CommandMarkSent = `
		UPDATE agent_commands
		SET command_status = 'SENT', sent_at = NOW()
		WHERE command_id = $1 AND command_status = 'CREATED'`

	// CommandGetByID retrieves a command by ID.
	CommandGetByID = `
		SELECT command_id, agent_id, command_type, command_status, command_data, created_at, sent_at
		FROM agent_commands
		WHERE command_id = $1`

	// CommandList lists commands, newest first, optionally filtered by status.
	CommandList = `
		SELECT command_id, agent_id, command_type, command_status, command_data, created_at, sent_at
		FROM agent_commands
		WHERE ($1::text = '' OR command_status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	// CommandNextArchivable locks SENT commands older than the cutoff.
	CommandNextArchivable = `
		SELECT command_id, agent_id, command_type, command_status, command_data, created_at, sent_at
		FROM agent_commands
		WHERE command_status = 'SENT' AND sent_at < $1
		ORDER BY sent_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	// CommandDeleteBatch deletes commands by ID.
	CommandDeleteBatch = `
		DELETE FROM agent_commands
		WHERE command_id = ANY($1)`
)

// Process queue queries
const (
	// ProcessInsert inserts a new process.
	ProcessInsert = `
		INSERT INTO process_queue (instance_id, current_status, requirements)
		VALUES ($1, $2, $3)
		RETURNING id_seq, version, created_at, last_updated_at`

	// ProcessGetByID retrieves a process by instance ID.
	ProcessGetByID = `
		SELECT instance_id, id_seq, current_status, requirements, wait_conditions,
			   is_waiting, resume_events, version, created_at, last_updated_at
		FROM process_queue
		WHERE instance_id = $1`

	// ProcessFindStatuses returns the status of each existing process in the set.
	ProcessFindStatuses = `
		SELECT instance_id, current_status
		FROM process_queue
		WHERE instance_id = ANY($1)`

	// ProcessNextWaitItems pages through waiting processes by sequence.
	ProcessNextWaitItems = `
		SELECT instance_id, id_seq, current_status, wait_conditions, version
		FROM process_queue
		WHERE is_waiting = TRUE AND id_seq > $1
		ORDER BY id_seq
		LIMIT $2`

	// ProcessSetWait replaces the wait condition if the version still matches.
	ProcessSetWait = `
		UPDATE process_queue
		SET wait_conditions = $2, is_waiting = $3, version = version + 1, last_updated_at = NOW()
		WHERE instance_id = $1 AND version = $4`

	// ProcessResume re-enqueues a suspended process and records the resume event.
	ProcessResume = `
		UPDATE process_queue
		SET current_status = 'ENQUEUED',
			resume_events = array_append(resume_events, $2),
			version = version + 1,
			last_updated_at = NOW()
		WHERE instance_id = $1 AND current_status IN ('SUSPENDED', 'WAITING')`

	// ProcessUpdateExpectedStatus changes the status only if it currently equals the expected one.
	ProcessUpdateExpectedStatus = `
		UPDATE process_queue
		SET current_status = $3, version = version + 1, last_updated_at = NOW()
		WHERE instance_id = $1 AND current_status = $2`

	// ProcessUpdateStatus sets the status and, for final statuses, releases
	// the process locks in the same statement.
	ProcessUpdateStatus = `
		WITH updated AS (
			UPDATE process_queue
			SET current_status = $2, version = version + 1, last_updated_at = NOW()
			WHERE instance_id = $1
			RETURNING instance_id, current_status
		), released AS (
			DELETE FROM process_locks l
			USING updated u
			WHERE l.instance_id = u.instance_id
			  AND u.current_status IN ('FINISHED', 'FAILED', 'CANCELLED', 'TIMED_OUT')
			RETURNING l.lock_name
		)
		SELECT (SELECT COUNT(*) FROM updated), (SELECT COUNT(*) FROM released)`

	// ProcessListEnqueuedRequirements returns requirements of ENQUEUED processes, oldest first.
	ProcessListEnqueuedRequirements = `
		SELECT requirements
		FROM process_queue
		WHERE current_status = 'ENQUEUED'
		ORDER BY created_at
		LIMIT $1`
)

// Process lock queries
const (
	// LockTry takes the lock when it is free, already ours, or held by a
	// process that is finished or gone. Returns a row only on success.
	LockTry = `
		INSERT INTO process_locks (scope, lock_name, instance_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope, lock_name) DO UPDATE
		SET instance_id = EXCLUDED.instance_id, locked_at = NOW()
		WHERE process_locks.instance_id = EXCLUDED.instance_id
		   OR NOT EXISTS (
				SELECT 1 FROM process_queue q
				WHERE q.instance_id = process_locks.instance_id
				  AND q.current_status NOT IN ('FINISHED', 'FAILED', 'CANCELLED', 'TIMED_OUT'))
		RETURNING instance_id`

	// LockReleaseAll releases every lock held by a process.
	LockReleaseAll = `
		DELETE FROM process_locks
		WHERE instance_id = $1`

	// LockGet returns the current holder of a lock.
	LockGet = `
		SELECT scope, lock_name, instance_id, locked_at
		FROM process_locks
		WHERE scope = $1 AND lock_name = $2`
)
