package sqlinline

// JobColumns is the column list every job query returns, in scan order.
const JobColumns = `id::text, batch_id::text, owner_id, model, prompt, duration_seconds, params,
  points_cost, status, moderation_status, retry_count, last_retry_at, slot_held,
  processing_started_at, processing_completed_at, timeout_deadline,
  refunded, refund_amount, refund_reason, result_url, error_message,
  queued_at, created_at, updated_at`

const QInsertJob = `--sql af24f9fe-812a-44e3-a0d1-37ecd60233e9
insert into jobs(
  id, batch_id, owner_id, model, prompt, duration_seconds, params, points_cost,
  status, moderation_status, retry_count, slot_held, queued_at, created_at, updated_at
) values (
  $1::uuid, $2::uuid, $3::text, $4::text, $5::text, $6::int, $7::jsonb, $8::bigint,
  $9::text, $10::text, 0, $11::boolean, $12::timestamptz, $12::timestamptz, $12::timestamptz
);
`

const QSelectJob = `--sql 4f21aeae-0742-4148-a12c-c268025a1e08
select ` + JobColumns + `
from jobs
where id = $1::uuid;
`

const QListJobs = `--sql ee10d3cc-5d31-4532-a261-fcac7d32d972
select ` + JobColumns + `
from jobs
where ($1::text = '' or owner_id = $1::text)
  and ($2::text = '' or status = $2::text)
order by created_at desc
limit $3::int offset $4::int;
`

const QCountJobsCreatedSince = `--sql 1c5704db-b1b4-44cb-b8ff-9d7ac5bc5173
select count(*)
from jobs
where owner_id = $1::text
  and created_at >= $2::timestamptz;
`

const QApproveModeration = `--sql adf7c6b2-ce6c-4d11-9533-5a92e36ccdea
update jobs
set moderation_status = 'approved', updated_at = $2::timestamptz
where id = $1::uuid
  and status = 'pending'
  and moderation_status <> 'rejected'
returning ` + JobColumns + `;
`

const QRejectModeration = `--sql f490ae2c-a537-415b-8590-7827b2b2d13b
update jobs
set status = 'failed',
    moderation_status = 'rejected',
    error_message = $3::text,
    processing_completed_at = $2::timestamptz,
    slot_held = false,
    updated_at = $2::timestamptz
where id = $1::uuid
  and status = 'pending'
returning ` + JobColumns + `;
`

const QStartProcessing = `--sql e3b5455b-1f3e-4173-bb69-fbc865a30d4e
update jobs
set status = 'processing',
    processing_started_at = $2::timestamptz,
    timeout_deadline = $3::timestamptz,
    updated_at = $2::timestamptz
where id = $1::uuid
  and status = 'pending'
  and moderation_status = 'approved'
returning ` + JobColumns + `;
`

const QCompleteJob = `--sql b439de59-65af-4e5e-a037-9ca1d07ecd86
update jobs
set status = 'completed',
    result_url = $2::text,
    processing_completed_at = $3::timestamptz,
    slot_held = false,
    updated_at = $3::timestamptz
where id = $1::uuid
  and status = 'processing'
returning ` + JobColumns + `;
`

const QFailJob = `--sql 8b0a1e20-2a9c-4ba8-baa2-6c1f926ee649
update jobs
set status = 'failed',
    error_message = $2::text,
    processing_completed_at = $3::timestamptz,
    slot_held = false,
    updated_at = $3::timestamptz
where id = $1::uuid
  and status = 'processing'
returning ` + JobColumns + `;
`

// QRequeueJob: $2 max retries, $3 window start, $4 cooldown start, $5 now.
const QRequeueJob = `--sql b3b6ad9d-2c9d-4427-b607-3eefd68da064
update jobs
set status = 'pending',
    retry_count = retry_count + 1,
    last_retry_at = $5::timestamptz,
    processing_started_at = null,
    processing_completed_at = null,
    timeout_deadline = null,
    error_message = '',
    slot_held = true,
    queued_at = $5::timestamptz,
    updated_at = $5::timestamptz
where id = $1::uuid
  and status = 'failed'
  and not refunded
  and moderation_status <> 'rejected'
  and error_message <> 'timeout'
  and retry_count < $2::int
  and (processing_completed_at is null or processing_completed_at >= $3::timestamptz)
  and (last_retry_at is null or last_retry_at <= $4::timestamptz)
returning ` + JobColumns + `;
`

const QTouchPendingJob = `--sql 2d941a66-0179-403d-b5a1-ed143a89143d
update jobs
set queued_at = $2::timestamptz
where id = $1::uuid
  and status = 'pending';
`

const QDeleteTerminalJob = `--sql 30db2c5f-b0ba-410f-ac67-a8f04ecce077
delete from jobs
where id = $1::uuid
  and status in ('completed', 'failed');
`
