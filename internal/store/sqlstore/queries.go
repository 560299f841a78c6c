package sqlstore

const jobColumns = `id, name, description, type, schedule_expression, execute_at, payload, status, rule_id,
    created_at, updated_at, last_executed_at, invocation_count`

const queryInsertJob = `
INSERT INTO jobs (id, name, description, type, schedule_expression, execute_at, payload, status, rule_id,
    created_at, updated_at, last_executed_at, invocation_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = ?
`

const querySetJobRule = `
UPDATE jobs
SET rule_id = ?, updated_at = ?
WHERE id = ?
`

const queryDeleteJob = `
DELETE FROM jobs WHERE id = ?
`

const queryListOrphanedJobs = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'scheduled'
  AND type IN ('once', 'cron')
  AND rule_id IS NULL
  AND created_at < ?
ORDER BY created_at
LIMIT ?
`

const queryListStalledJobs = `
SELECT ` + jobColumns + `
FROM jobs
WHERE type = 'immediate'
  AND status = 'executing'
  AND invocation_count = 0
  AND created_at < ?
  AND NOT EXISTS (SELECT 1 FROM invocations i WHERE i.job_id = jobs.id)
ORDER BY created_at
LIMIT ?
`

const ruleColumns = `id, job_id, kind, expression, enabled, next_fire_at, claimed_at, created_at, updated_at`

const queryInsertRule = `
INSERT INTO rules (` + ruleColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryGetRule = `
SELECT ` + ruleColumns + `
FROM rules
WHERE id = ?
`

const queryDeleteRule = `
DELETE FROM rules WHERE id = ?
`

const queryListDueRules = `
SELECT ` + ruleColumns + `
FROM rules
WHERE enabled = ?
  AND next_fire_at <= ?
ORDER BY next_fire_at
LIMIT ?
`

// Conditional update: only one caller can move an enabled one-shot rule
// to claimed.
const queryClaimRule = `
UPDATE rules
SET enabled = ?, claimed_at = ?, updated_at = ?
WHERE id = ?
  AND kind = 'one_shot'
  AND enabled = ?
`

// Compare-and-set on next_fire_at: only the caller that observed the
// current value advances it.
const queryAdvanceRule = `
UPDATE rules
SET next_fire_at = ?, updated_at = ?
WHERE id = ?
  AND enabled = ?
  AND next_fire_at = ?
`

const queryListClaimedRules = `
SELECT ` + ruleColumns + `
FROM rules
WHERE kind = 'one_shot'
  AND enabled = ?
  AND claimed_at IS NOT NULL
  AND claimed_at < ?
ORDER BY claimed_at
LIMIT ?
`

const invocationColumns = `id, job_id, status, started_at, completed_at, duration_ms, input, output,
    error_kind, error_message, error_trace`

const queryInsertInvocation = `
INSERT INTO invocations (` + invocationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryFinalizeInvocation = `
UPDATE invocations
SET status = ?, completed_at = ?, duration_ms = ?, output = ?,
    error_kind = ?, error_message = ?, error_trace = ?
WHERE id = ?
  AND status = 'running'
`

const queryGetInvocationStatus = `
SELECT status FROM invocations WHERE id = ?
`

const queryListStaleInvocations = `
SELECT ` + invocationColumns + `
FROM invocations
WHERE status = 'running'
  AND started_at < ?
ORDER BY started_at
LIMIT ?
`
